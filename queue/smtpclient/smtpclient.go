// Package smtpclient is the outbound half of the mail-transfer loop: it
// implements queue.Transport by resolving the recipient domain's MX
// records and driving the same command/reply/datacodec wire types the
// server side uses.
package smtpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vellum-mta/vellum/command"
	"github.com/vellum-mta/vellum/datacodec"
	"github.com/vellum-mta/vellum/queue"
	"github.com/vellum-mta/vellum/reply"
	"github.com/vellum-mta/vellum/wire"
)

// Resolver is the MX-capable resolver collaborator. *net.Resolver
// already satisfies it; this module never constructs one itself so
// callers can substitute a caching or split-horizon resolver.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Timeouts holds the per-step client-side deadlines.
type Timeouts struct {
	Banner        time.Duration
	EhloReply     time.Duration
	StarttlsReply time.Duration
	MailReply     time.Duration
	RcptReply     time.Duration
	DataInit      time.Duration
	DataBlock     time.Duration
	DataEnd       time.Duration
}

// DefaultTimeouts returns the RFC 5321 §4.5.3.2 recommended per-step
// deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Banner:        5 * time.Minute,
		EhloReply:     5 * time.Minute,
		StarttlsReply: 2 * time.Minute,
		MailReply:     5 * time.Minute,
		RcptReply:     5 * time.Minute,
		DataInit:      2 * time.Minute,
		DataBlock:     3 * time.Minute,
		DataEnd:       10 * time.Minute,
	}
}

// TLSDialer upgrades an already-connected plaintext net.Conn to TLS for
// STARTTLS, mirroring tlsconn.Client without this package importing
// crypto/tls directly, keeping the TLS adaptor boundary in one place.
type TLSDialer func(serverName string, conn net.Conn) (net.Conn, error)

// Client is a queue.Transport that relays mail by opening an outbound
// SMTP connection to the recipient domain's lowest-preference MX host (or
// the domain itself if it has no MX records, per RFC 5321 §5.1).
type Client struct {
	Resolver    Resolver
	TLS         TLSDialer // nil disables STARTTLS attempts
	Hostname    wire.Hostname
	Timeouts    Timeouts
	DialTimeout time.Duration
	// Port is the remote SMTP port, 25 by default. Overridable for tests
	// that drive a loopback listener on an ephemeral port.
	Port int
}

// NewClient returns a Client with DefaultTimeouts and the system
// resolver.
func NewClient(hostname wire.Hostname, tlsDialer TLSDialer) *Client {
	return &Client{
		Resolver:    net.DefaultResolver,
		TLS:         tlsDialer,
		Hostname:    hostname,
		Timeouts:    DefaultTimeouts(),
		DialTimeout: 30 * time.Second,
		Port:        25,
	}
}

// Send implements queue.Transport.
func (c *Client) Send(ctx context.Context, from, to wire.Email, contents io.Reader) error {
	if to.Host == nil {
		return &queue.PermanentError{Err: fmt.Errorf("smtpclient: recipient %q has no domain", to.Serialize())}
	}
	host, err := c.pickHost(ctx, to.Host.ASCII())
	if err != nil {
		return err
	}

	port := c.Port
	if port == 0 {
		port = 25
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprint(port)), c.DialTimeout)
	if err != nil {
		return fmt.Errorf("smtpclient: dial %s: %w", host, err)
	}
	defer conn.Close()

	sess := &session{conn: conn, r: bufio.NewReader(conn), c: c}
	return sess.deliver(from, to, contents, host)
}

// pickHost resolves domain's MX records, falling back to the domain
// itself when there are none, per RFC 5321 §5.1 (implicit MX).
func (c *Client) pickHost(ctx context.Context, domain string) (string, error) {
	mxs, err := c.Resolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		return domain, nil
	}
	best := mxs[0]
	for _, mx := range mxs[1:] {
		if mx.Pref < best.Pref {
			best = mx
		}
	}
	return trimDot(best.Host), nil
}

func trimDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}

// session drives one client connection's command/reply dialogue.
type session struct {
	conn net.Conn
	r    *bufio.Reader
	c    *Client
}

func (s *session) deliver(from, to wire.Email, contents io.Reader, remoteHost string) error {
	if err := s.readReply(s.c.Timeouts.Banner); err != nil {
		return err
	}
	if err := s.command(command.EhloCmd{Hostname: s.c.Hostname}, s.c.Timeouts.EhloReply); err != nil {
		return err
	}
	if s.c.TLS != nil {
		// STARTTLS is not one of command.Command's enumerated verbs on
		// the server side either (see starttlsCmd in session/session.go);
		// this client writes the bare line directly rather than growing
		// the sealed Command interface just for one outbound case.
		if err := s.writeAndReadReply([]byte("STARTTLS\r\n"), s.c.Timeouts.StarttlsReply); err == nil {
			upgraded, terr := s.c.TLS(remoteHost, s.conn)
			if terr != nil {
				return fmt.Errorf("smtpclient: starttls to %s: %w", remoteHost, terr)
			}
			s.conn = upgraded
			s.r = bufio.NewReader(upgraded)
			if err := s.command(command.EhloCmd{Hostname: s.c.Hostname}, s.c.Timeouts.EhloReply); err != nil {
				return err
			}
		}
	}
	if err := s.command(command.MailCmd{From: from}, s.c.Timeouts.MailReply); err != nil {
		return err
	}
	if err := s.command(command.RcptCmd{To: to}, s.c.Timeouts.RcptReply); err != nil {
		return err
	}
	if err := s.command(command.DataCmd{}, s.c.Timeouts.DataInit); err != nil {
		return err
	}
	if err := s.writeData(contents); err != nil {
		return err
	}
	if err := s.readReply(s.c.Timeouts.DataEnd); err != nil {
		return err
	}
	_ = s.command(command.QuitCmd{}, s.c.Timeouts.DataInit)
	return nil
}

func (s *session) writeData(contents io.Reader) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.c.Timeouts.DataBlock))
	w := datacodec.NewEscapingDataWriter()
	buf := make([]byte, 4096)
	out := make([]byte, 0, 4096+8)
	for {
		n, err := contents.Read(buf)
		if n > 0 {
			out = w.Write(buf[:n], out[:0])
			if _, werr := s.conn.Write(out); werr != nil {
				return fmt.Errorf("smtpclient: writing DATA block: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("smtpclient: reading message contents: %w", err)
		}
	}
	out = w.Close(out[:0])
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("smtpclient: writing DATA terminator: %w", err)
	}
	return nil
}

func (s *session) command(cmd command.Command, deadline time.Duration) error {
	return s.writeAndReadReply(cmd.Serialize(), deadline)
}

func (s *session) writeAndReadReply(line []byte, deadline time.Duration) error {
	s.conn.SetWriteDeadline(time.Now().Add(deadline))
	if _, err := s.conn.Write(line); err != nil {
		return fmt.Errorf("smtpclient: writing %q: %w", line, err)
	}
	return s.readReply(deadline)
}

// readReply accumulates lines until reply.Parse has a complete multi-line
// reply (or a hard parse error), respecting deadline across the whole
// read rather than per physical line.
func (s *session) readReply(deadline time.Duration) error {
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	var buf []byte
	for {
		line, err := s.r.ReadString('\n')
		buf = append(buf, line...)
		if err != nil {
			return fmt.Errorf("smtpclient: reading reply: %w", err)
		}
		_, r, perr := reply.Parse(buf)
		if perr == wire.ErrIncomplete {
			continue
		}
		if perr != nil {
			return fmt.Errorf("smtpclient: parsing reply %q: %w", buf, perr)
		}
		return classify(r, buf)
	}
}

func classify(r reply.Reply, raw []byte) error {
	switch r.Code.Kind() {
	case reply.PositiveCompletion, reply.PositiveIntermediate:
		return nil
	case reply.PermanentNegative:
		return &queue.PermanentError{Err: fmt.Errorf("smtpclient: %s", raw)}
	default:
		return fmt.Errorf("smtpclient: transient failure: %s", raw)
	}
}
