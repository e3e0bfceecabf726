// Package log is the ambient structured-logging wrapper vellum's daemon
// and libraries log through: a logrus.FieldLogger extended with
// WithConn (stamp a log line with the peer address) and Reopen (close
// and reopen the destination file, for SIGHUP-triggered log rotation).
// A custom Hook owns the destination file descriptor so it can be
// closed and reopened without restarting the process.
package log

import (
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is a logrus.FieldLogger that additionally knows how to stamp a
// connection's remote address onto a log entry and to rotate its
// destination file on demand.
type Logger interface {
	logrus.FieldLogger
	WithConn(conn net.Conn) *logrus.Entry
	Reopen() error
	Dest() string
}

// Impl implements Logger by wrapping a *logrus.Logger with a fileHook
// that owns the writable destination.
type Impl struct {
	*logrus.Logger
	hook *fileHook
}

// New returns a Logger writing to dest: a file path, or one of the
// special strings "stderr" (default), "stdout" or "off" (discard).
func New(dest string, level string) (*Impl, error) {
	hook, err := newFileHook(dest)
	if err != nil {
		return nil, err
	}
	base := logrus.New()
	base.SetOutput(io.Discard) // all output goes through hook.Fire
	base.AddHook(hook)
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		base.SetLevel(lvl)
	}
	return &Impl{Logger: base, hook: hook}, nil
}

func (l *Impl) WithConn(conn net.Conn) *logrus.Entry {
	addr := "unknown"
	if conn != nil {
		addr = conn.RemoteAddr().String()
	}
	return l.WithField("addr", addr)
}

// Reopen closes and reopens the destination file -- used by a SIGHUP
// handler to cooperate with external log rotation (e.g. logrotate).
func (l *Impl) Reopen() error { return l.hook.reopen() }

// Dest returns the destination this logger was configured with.
func (l *Impl) Dest() string { return l.hook.fname }

// fileHook is a logrus.Hook that writes formatted entries to an
// explicitly-owned, reopenable destination.
type fileHook struct {
	mu    sync.Mutex
	w     io.Writer
	fd    *os.File
	fname string
}

func newFileHook(dest string) (*fileHook, error) {
	h := &fileHook{fname: dest}
	w, fd, err := openDest(dest)
	if err != nil {
		return nil, err
	}
	h.w, h.fd = w, fd
	return h, nil
}

func openDest(dest string) (io.Writer, *os.File, error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "off":
		return io.Discard, nil, nil
	default:
		fd, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return fd, fd, nil
	}
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = io.Copy(h.w, strings.NewReader(line))
	return err
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) reopen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd != nil {
		h.fd.Close()
	}
	w, fd, err := openDest(h.fname)
	if err != nil {
		return err
	}
	h.w, h.fd = w, fd
	return nil
}
