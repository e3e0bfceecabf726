package session

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// pipeConn adapts a net.Conn (from net.Pipe) to this package's Conn
// interface; net.Pipe's endpoints already implement SetReadDeadline/
// SetWriteDeadline, so this is a thin rename.
type pipeConn struct{ net.Conn }

func newTestSession(t *testing.T, cfg Config) (client *bufio.ReadWriter, done <-chan error) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ch := make(chan error, 1)
	go func() {
		s := New(pipeConn{serverSide}, cfg)
		ch <- s.Serve()
		serverSide.Close()
	}()
	rw := bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide))
	t.Cleanup(func() { clientSide.Close() })
	return rw, ch
}

func sendLine(t *testing.T, rw *bufio.ReadWriter, line string) {
	t.Helper()
	if _, err := rw.WriteString(line + "\r\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("flush %q: %v", line, err)
	}
}

// readReply reads one (possibly multi-line) reply and returns its lines
// joined, along with the leading 3-digit code of the last line.
func readReply(t *testing.T, rw *bufio.ReadWriter) (code string, lines []string) {
	t.Helper()
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			return line[:3], lines
		}
	}
}

func testConfig() Config {
	return Config{Hostname: "mx.example.test"}
}

func TestSmokeDialogue(t *testing.T) {
	rw, done := newTestSession(t, testConfig())

	if code, _ := readReply(t, rw); code != "220" {
		t.Fatalf("banner code = %s", code)
	}

	sendLine(t, rw, "EHLO client.example.test")
	if code, lines := readReply(t, rw); code != "250" || len(lines) < 2 {
		t.Fatalf("EHLO reply = %q", lines)
	}

	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	if code, _ := readReply(t, rw); code != "250" {
		t.Fatalf("MAIL code = %s", code)
	}

	sendLine(t, rw, "RCPT TO:<bob@example.test>")
	if code, _ := readReply(t, rw); code != "250" {
		t.Fatalf("RCPT code = %s", code)
	}

	sendLine(t, rw, "DATA")
	if code, _ := readReply(t, rw); code != "354" {
		t.Fatalf("DATA code = %s", code)
	}

	sendLine(t, rw, "hi")
	sendLine(t, rw, ".")
	if code, _ := readReply(t, rw); code != "250" {
		t.Fatalf("end-of-data code = %s", code)
	}

	sendLine(t, rw, "QUIT")
	if code, _ := readReply(t, rw); code != "221" {
		t.Fatalf("QUIT code = %s", code)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after QUIT")
	}
}

func TestDataDotStuffing(t *testing.T) {
	captured := make(chan []byte, 1)
	cfg := testConfig()
	cfg.OnMail = func(mail MailMetadata, contents []byte) error {
		captured <- contents
		return nil
	}
	rw, _ := newTestSession(t, cfg)

	readReply(t, rw) // banner
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	readReply(t, rw)
	sendLine(t, rw, "RCPT TO:<bob@example.test>")
	readReply(t, rw)
	sendLine(t, rw, "DATA")
	readReply(t, rw)

	sendLine(t, rw, "..hello")
	sendLine(t, rw, "world")
	sendLine(t, rw, ".")
	if code, _ := readReply(t, rw); code != "250" {
		t.Fatalf("end-of-data code = %s", code)
	}

	select {
	case got := <-captured:
		if string(got) != ".hello\r\nworld\r\n" {
			t.Fatalf("contents = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMail was never invoked")
	}
}

func TestBadSequenceMailBeforeHello(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw) // banner
	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	if code, lines := readReply(t, rw); code != "503" {
		t.Fatalf("reply = %q", lines)
	}
}

func TestBadSequenceAlreadyInMail(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	readReply(t, rw)
	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	if code, _ := readReply(t, rw); code != "503" {
		t.Fatalf("second MAIL should be rejected, code = %s", code)
	}
}

func TestBadSequenceRcptBeforeMail(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "RCPT TO:<bob@example.test>")
	if code, _ := readReply(t, rw); code != "503" {
		t.Fatalf("code = %s", code)
	}
}

func TestBadSequenceDataBeforeMail(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "DATA")
	if code, _ := readReply(t, rw); code != "503" {
		t.Fatalf("code = %s", code)
	}
}

func TestBadSequenceDataBeforeRcpt(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	readReply(t, rw)
	sendLine(t, rw, "DATA")
	if code, _ := readReply(t, rw); code != "503" {
		t.Fatalf("code = %s", code)
	}
}

func TestBadSequenceAlreadyDidHello(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	if code, _ := readReply(t, rw); code != "503" {
		t.Fatalf("code = %s", code)
	}
}

func TestRsetFromAnyState(t *testing.T) {
	rw, _ := newTestSession(t, testConfig())
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)
	sendLine(t, rw, "MAIL FROM:<alice@example.test>")
	readReply(t, rw)
	sendLine(t, rw, "RCPT TO:<bob@example.test>")
	readReply(t, rw)

	sendLine(t, rw, "RSET")
	if code, _ := readReply(t, rw); code != "250" {
		t.Fatalf("RSET code = %s", code)
	}

	// A MAIL FROM after RSET must succeed as a fresh transaction, proving
	// the envelope state (not just the reply) was cleared.
	sendLine(t, rw, "MAIL FROM:<carol@example.test>")
	if code, _ := readReply(t, rw); code != "250" {
		t.Fatalf("post-RSET MAIL code = %s", code)
	}
}

func TestStarttlsRejectsPipelinedBytes(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = stubUpgrader{}
	rw, _ := newTestSession(t, cfg)
	readReply(t, rw)
	sendLine(t, rw, "EHLO client.example.test")
	readReply(t, rw)

	// Pipeline STARTTLS together with a command that must never be
	// processed in the clear.
	if _, err := rw.WriteString("STARTTLS\r\nNOOP\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if code, _ := readReply(t, rw); code != "503" {
		t.Fatalf("expected pipelining-forbidden 503, got %s", code)
	}
}

type stubUpgrader struct{}

func (stubUpgrader) Accept(conn Conn) (Conn, error) { return conn, nil }
