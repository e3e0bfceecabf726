// Package tlsconn is the TLS adaptor for both directions of the mail
// flow: it owns certificate loading and tls.Config construction so
// session and queue never import crypto/tls directly.
package tlsconn

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/vellum-mta/vellum/session"
)

// Server is a session.TLSUpgrader backed by a loaded certificate pair.
type Server struct {
	cfg *tls.Config
}

// LoadServer loads a certificate/key pair and builds a Server adaptor.
func LoadServer(certFile, keyFile, serverName string) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconn: loading certificate: %w", err)
	}
	return &Server{cfg: &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ServerName:   serverName,
		Rand:         rand.Reader,
	}}, nil
}

// Accept implements session.TLSUpgrader. conn must additionally be a
// net.Conn (as every caller in this module supplies); the handshake
// takes full ownership of it, and the returned tls.Conn replaces it
// wholesale.
func (s *Server) Accept(conn session.Conn) (session.Conn, error) {
	nc, ok := conn.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("tlsconn: underlying connection is not a net.Conn")
	}
	tc := tls.Server(nc, s.cfg)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsconn: handshake: %w", err)
	}
	return tc, nil
}

// Client performs the outbound-side half of the adaptor: it upgrades an
// already-dialed plaintext connection to TLS for the queue engine's
// outbound transport. Certificates are verified against the system root
// pool; InsecureSkipVerify is never set.
func Client(serverName string, conn net.Conn) (net.Conn, error) {
	tc := tls.Client(conn, &tls.Config{ServerName: serverName, Rand: rand.Reader})
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsconn: outbound handshake to %s: %w", serverName, err)
	}
	return tc, nil
}
