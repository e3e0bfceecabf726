// Package session implements the per-connection SMTP server state
// machine: greeting, verb handling, DATA framing, STARTTLS upgrade,
// timeouts, and the filter/policy hook points (Hooks, in hooks.go).
package session

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/vellum-mta/vellum/command"
	"github.com/vellum-mta/vellum/datacodec"
	"github.com/vellum-mta/vellum/reply"
	"github.com/vellum-mta/vellum/wire"
)

// State is the session's position in the SMTP dialogue.
type State int

const (
	Greeting State = iota
	AfterHello
	InMail
	HaveRcpt
	InData
	Closed
)

func (s State) String() string {
	switch s {
	case Greeting:
		return "Greeting"
	case AfterHello:
		return "AfterHello"
	case InMail:
		return "InMail"
	case HaveRcpt:
		return "HaveRcpt"
	case InData:
		return "InData"
	case Closed:
		return "Closed"
	default:
		return "?"
	}
}

// Conn is the subset of net.Conn the state machine needs: byte I/O plus
// per-direction deadlines. Kept narrow so tests can drive the state
// machine over an in-memory implementation instead of a real socket.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// TLSUpgrader is the external TLS adaptor: Accept takes ownership of
// conn and, on success, returns a stream that owns all not-yet-consumed
// bytes. The state machine never constructs a tls.Config itself.
type TLSUpgrader interface {
	Accept(conn Conn) (Conn, error)
}

// Timeouts holds the per-step I/O deadlines. Zero values disable the
// corresponding deadline.
type Timeouts struct {
	ReplyWrite  time.Duration
	CommandRead time.Duration
}

// DefaultTimeouts returns the RFC 5321 §4.5.3.2 recommended 5-minute
// deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{ReplyWrite: 5 * time.Minute, CommandRead: 5 * time.Minute}
}

// ErrPipeliningAcrossStarttls is returned (and reported to the peer as a
// dedicated reply) when bytes are pipelined past STARTTLS's CRLF.
var ErrPipeliningAcrossStarttls = errors.New("session: pipelining across STARTTLS is forbidden")

// MailAccepted is invoked once a DATA transaction has been fully framed
// and the FilterData hook has accepted it; it must return nil only if
// the mail has been durably persisted. Wired, in cmd/vellumd, to a
// queue.Enqueuer commit.
type MailAccepted func(mail MailMetadata, contents []byte) error

// Config bundles everything a Session needs beyond the connection
// itself.
type Config struct {
	Hostname   string
	Hooks      Hooks
	Timeouts   Timeouts
	TLS        TLSUpgrader // nil disables STARTTLS advertisement
	MaxLineLen int         // 0 uses command.MaxCommandLine
	OnMail     MailAccepted
}

// Session drives one connection's SMTP dialogue to completion.
type Session struct {
	cfg   Config
	conn  Conn
	state State
	buf   []byte // bytes read from conn not yet consumed by a parsed command
	hello *HelloInfo
	mail  *MailMetadata
}

// New returns a Session in the Greeting state, ready for Serve.
func New(conn Conn, cfg Config) *Session {
	if cfg.Hooks == nil {
		cfg.Hooks = &DefaultHooks{Hostname: cfg.Hostname}
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	if cfg.MaxLineLen == 0 {
		cfg.MaxLineLen = command.MaxCommandLine
	}
	return &Session{cfg: cfg, conn: conn, state: Greeting}
}

func (s *Session) State() State { return s.state }

// Serve runs the dialogue until the peer disconnects, QUITs, or a
// non-recoverable I/O error occurs.
func (s *Session) Serve() error {
	if err := s.writeReply(s.cfg.Hooks.WelcomeBannerReply()); err != nil {
		return err
	}

	for s.state != Closed {
		cmd, err := s.readCommand()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if cmd == nil {
			// A malformed command line: a reply was already sent, and
			// the session continues.
			continue
		}
		if err := s.dispatch(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeReply(r reply.Reply) error {
	if s.cfg.Timeouts.ReplyWrite > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeouts.ReplyWrite))
	}
	_, err := s.conn.Write(r.Serialize())
	return err
}

// starttlsCmd represents the STARTTLS verb. It is not one of the verbs
// the command package's codec enumerates because STARTTLS belongs to
// the TLS adaptor seam rather than to mail-submission grammar; it is
// recognized here, at the session layer, instead.
type starttlsCmd struct{}

func tryParseStarttls(buf []byte) (consumed int, ok bool) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx == -1 {
		return 0, false
	}
	line := bytes.TrimRight(buf[:idx], " \t")
	if strings.EqualFold(string(line), "STARTTLS") {
		return idx + 2, true
	}
	return 0, false
}

// readCommand pulls bytes from conn until a full command line has
// arrived, growing s.buf as needed. The return value is either a
// command.Command or a starttlsCmd.
func (s *Session) readCommand() (any, error) {
	tmp := make([]byte, 4096)
	for {
		if n, ok := tryParseStarttls(s.buf); ok {
			s.buf = s.buf[n:]
			return starttlsCmd{}, nil
		}
		n, cmd, perr := command.Parse(s.buf)
		if perr == nil {
			s.buf = s.buf[n:]
			return cmd, nil
		}
		if perr != wire.ErrIncomplete {
			s.buf = nil
			return nil, s.writeReply(reply.SyntaxErrorInParameters(perr.Error()))
		}
		if s.cfg.Timeouts.CommandRead > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.CommandRead))
		}
		n, rerr := s.conn.Read(tmp)
		if n > 0 {
			s.buf = append(s.buf, tmp[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF && len(s.buf) == 0 {
				return nil, io.EOF
			}
			return nil, rerr
		}
	}
}

func (s *Session) dispatch(cmd any) error {
	switch c := cmd.(type) {
	case starttlsCmd:
		return s.handleStarttls()
	case command.HeloCmd:
		return s.handleHello(false, c.Hostname)
	case command.EhloCmd:
		return s.handleHello(true, c.Hostname)
	case command.LhloCmd:
		return s.handleHello(true, c.Hostname)
	case command.MailCmd:
		return s.handleMail(c)
	case command.RcptCmd:
		return s.handleRcpt(c)
	case command.DataCmd:
		return s.handleData()
	case command.RsetCmd:
		return s.handleRset()
	case command.QuitCmd:
		return s.handleQuit()
	case command.NoopCmd:
		return s.handleSimple(s.cfg.Hooks.HandleNoop(c.Text))
	case command.VrfyCmd:
		return s.handleSimple(s.cfg.Hooks.HandleVrfy(c.Text))
	case command.ExpnCmd:
		return s.handleSimple(s.cfg.Hooks.HandleExpn(c.Text))
	case command.HelpCmd:
		return s.handleSimple(s.cfg.Hooks.HandleHelp(c.Text))
	default:
		return s.writeReply(reply.CommandUnrecognized("unsupported command"))
	}
}

func (s *Session) handleSimple(d Decision[struct{}]) error {
	if err := s.writeReply(d.Reply); err != nil {
		return err
	}
	if d.Kind == Kill {
		s.state = Closed
	}
	return nil
}

func (s *Session) handleHello(isEHLO bool, hostname wire.Hostname) error {
	if s.state != Greeting {
		return s.writeReply(badSequence("already-did-hello"))
	}
	d := s.cfg.Hooks.FilterHello(isEHLO, hostname)
	if d.Kind != Accept {
		return s.handleSimple(Decision[struct{}]{Kind: d.Kind, Reply: d.Reply})
	}
	s.hello = &d.Value
	s.mail = nil
	s.state = AfterHello
	return s.writeReply(s.helloReply(isEHLO, hostname))
}

func (s *Session) helloReply(isEHLO bool, hostname wire.Hostname) reply.Reply {
	if !isEHLO {
		return reply.OK(s.cfg.Hostname + " Hello " + hostname.Raw())
	}
	lines := []string{
		s.cfg.Hostname + " Hello " + hostname.Raw(),
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		"PIPELINING",
		"SMTPUTF8",
	}
	if s.cfg.TLS != nil {
		lines = append(lines, "STARTTLS")
	}
	r, err := reply.New(reply.CodeOK, nil, joinLines(lines))
	if err != nil {
		panic(err)
	}
	return r
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}

func (s *Session) handleMail(c command.MailCmd) error {
	switch s.state {
	case Greeting:
		return s.writeReply(badSequence("mail-before-hello"))
	case InMail, HaveRcpt:
		return s.writeReply(badSequence("already-in-mail"))
	}
	from := c.From
	d := s.cfg.Hooks.FilterFrom(&from, &MailMetadata{})
	if d.Kind != Accept {
		return s.handleSimple(Decision[struct{}]{Kind: d.Kind, Reply: d.Reply})
	}
	s.mail = &MailMetadata{From: d.Value}
	s.state = InMail
	return s.writeReply(reply.OK("OK"))
}

func (s *Session) handleRcpt(c command.RcptCmd) error {
	switch s.state {
	case Greeting, AfterHello:
		return s.writeReply(badSequence("rcpt-before-mail"))
	}
	d := s.cfg.Hooks.FilterTo(c.To, s.mail)
	if d.Kind != Accept {
		return s.handleSimple(Decision[struct{}]{Kind: d.Kind, Reply: d.Reply})
	}
	s.mail.To = append(s.mail.To, d.Value)
	s.state = HaveRcpt
	return s.writeReply(reply.OK("OK"))
}

func (s *Session) handleData() error {
	switch s.state {
	case Greeting, AfterHello:
		return s.writeReply(badSequence("data-before-mail"))
	case InMail:
		return s.writeReply(badSequence("data-before-rcpt"))
	}
	d := s.cfg.Hooks.FilterData(s.mail)
	if d.Kind != Accept {
		return s.handleSimple(Decision[struct{}]{Kind: d.Kind, Reply: d.Reply})
	}
	if err := s.writeReply(d.Reply); err != nil {
		return err
	}
	s.state = InData
	return s.readData()
}

// readData drains the DATA body through EscapedDataReader + DataUnescaper
// and, once the terminator is found, hands the accumulated message to
// OnMail. State resets to AfterHello whether the mail is accepted or
// not, matching postfix's behavior of dropping transaction state after
// the DATA response.
func (s *Session) readData() error {
	reader := datacodec.NewEscapedDataReader()
	unescaper := datacodec.NewDataUnescaper()
	var body []byte
	tmp := make([]byte, 4096)

	consume := func(chunk []byte) (rest []byte, done bool, err error) {
		for len(chunk) > 0 {
			n, out, ferr := reader.Feed(chunk, nil)
			if ferr != nil {
				return nil, false, ferr
			}
			body = unescaper.Feed(out, body)
			chunk = chunk[n:]
			if reader.State() == datacodec.End {
				return chunk, true, nil
			}
		}
		return nil, false, nil
	}

	rest, done, err := consume(s.buf)
	s.buf = nil
	if err != nil {
		return s.writeReply(reply.LocalError("data read error"))
	}
	for !done {
		if s.cfg.Timeouts.CommandRead > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.CommandRead))
		}
		n, rerr := s.conn.Read(tmp)
		if n > 0 {
			rest, done, err = consume(tmp[:n])
			if err != nil {
				return s.writeReply(reply.LocalError("data read error"))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return reader.Finish()
			}
			return rerr
		}
	}
	s.buf = rest

	mail := *s.mail
	s.mail = nil
	s.state = AfterHello

	// Complete is the attestation that the message is durably
	// persisted, so it comes after OnMail, never before.
	if s.cfg.OnMail != nil {
		if err := s.cfg.OnMail(mail, body); err != nil {
			return s.writeReply(reply.LocalError("could not queue message"))
		}
	}
	if err := reader.Complete(); err != nil {
		return s.writeReply(reply.LocalError("internal misconfiguration"))
	}
	return s.writeReply(reply.OK("OK: queued"))
}

func (s *Session) handleRset() error {
	d := s.cfg.Hooks.HandleRset()
	if d.Kind == Accept {
		s.mail = nil
		if s.state != Greeting {
			s.state = AfterHello
		}
	}
	return s.handleSimple(d)
}

func (s *Session) handleQuit() error {
	d := s.cfg.Hooks.HandleQuit()
	if err := s.writeReply(d.Reply); err != nil {
		return err
	}
	s.state = Closed
	return nil
}

func badSequence(text string) reply.Reply {
	enh := reply.PermanentFailure(reply.InvalidCommand)
	r, err := reply.New(reply.CodeBadSequence, &enh, text)
	if err != nil {
		panic(err)
	}
	return r
}

// handleStarttls performs the AfterHello -> Greeting transition: any
// bytes pipelined past STARTTLS's CRLF are
// discarded and rejected rather than processed, since a peer pipelining
// across a TLS handshake cannot know whether the plaintext or the
// encrypted channel will see those bytes.
func (s *Session) handleStarttls() error {
	if s.cfg.TLS == nil {
		return s.writeReply(reply.CommandUnrecognized("STARTTLS not supported"))
	}
	if len(s.buf) > 0 {
		s.buf = nil
		return s.writeReply(pipeliningForbidden())
	}
	d := s.cfg.Hooks.HandleStarttls()
	if d.Kind != Accept {
		return s.handleSimple(d)
	}
	if err := s.writeReply(d.Reply); err != nil {
		return err
	}
	upgraded, err := s.cfg.TLS.Accept(s.conn)
	if err != nil {
		s.state = Closed
		return err
	}
	s.conn = upgraded
	s.hello = nil
	s.mail = nil
	s.state = Greeting
	return nil
}

func pipeliningForbidden() reply.Reply {
	enh := reply.PermanentFailure(reply.InvalidCommandArguments)
	r, err := reply.New(reply.CodeBadSequence, &enh, ErrPipeliningAcrossStarttls.Error())
	if err != nil {
		panic(err)
	}
	return r
}
