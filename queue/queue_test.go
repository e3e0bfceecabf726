package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vellum-mta/vellum/queuefs"
	"github.com/vellum-mta/vellum/wire"
)

func newStorage(t *testing.T) *queuefs.Storage {
	t.Helper()
	s, err := queuefs.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func mustEmail(t *testing.T, s string) wire.Email {
	t.Helper()
	e, err := parseEmail(s)
	if err != nil {
		t.Fatalf("parseEmail(%q): %v", s, err)
	}
	return e
}

// fakeTransport records every Send call and answers per-recipient
// according to a caller-supplied script, so tests can force a fixed
// number of transient failures before success, a permanent failure, etc.
type fakeTransport struct {
	mu    sync.Mutex
	calls int
	next  func(calls int, to wire.Email) error
}

func (f *fakeTransport) Send(_ context.Context, _ wire.Email, to wire.Email, contents io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	io.Copy(io.Discard, contents)
	return f.next(f.calls, to)
}

func newTestEngine(t *testing.T, storage *queuefs.Storage, transport Transport) *Engine {
	t.Helper()
	return New(storage, Config{
		PollInterval:  5 * time.Millisecond,
		CleanupPeriod: 5 * time.Millisecond,
		Workers:       2,
		Transport:     transport,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEnqueueFanOutSharesPayload(t *testing.T) {
	storage := newStorage(t)
	e := New(storage, Config{Transport: &fakeTransport{next: func(int, wire.Email) error { return nil }}})

	enq, err := e.Enqueue()
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := enq.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	from := mustEmail(t, "a@b")
	to := []wire.Email{mustEmail(t, "c@d"), mustEmail(t, "e@f")}
	ids, err := enq.Commit(&from, to, nil, time.Now())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 queue ids, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected independent queue ids, got the same one twice")
	}
	queued, err := storage.ListQueued()
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued entries, got %d", len(queued))
	}
	for _, id := range ids {
		r, err := storage.OpenContents(id)
		if err != nil {
			t.Fatalf("OpenContents(%s): %v", id, err)
		}
		body, _ := io.ReadAll(r)
		r.Close()
		if string(body) != "hello\r\n" {
			t.Fatalf("entry %s has unexpected payload %q", id, body)
		}
	}
}

func TestDispatchDeliversAndCleansUp(t *testing.T) {
	storage := newStorage(t)
	transport := &fakeTransport{next: func(int, wire.Email) error { return nil }}
	e := newTestEngine(t, storage, transport)

	enq, err := e.Enqueue()
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	enq.Write([]byte("body"))
	from := mustEmail(t, "a@b")
	if _, err := enq.Commit(&from, []wire.Email{mustEmail(t, "c@d")}, nil, time.Now()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	waitFor(t, time.Second, func() bool {
		queued, _ := storage.ListQueued()
		inflight, _ := storage.ListInflight()
		cleanup, _ := storage.ListCleanup()
		return len(queued) == 0 && len(inflight) == 0 && len(cleanup) == 0
	})
}

func TestTransientFailureReschedulesWithBackoff(t *testing.T) {
	storage := newStorage(t)
	transport := &fakeTransport{next: func(calls int, _ wire.Email) error {
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	}}
	e := newTestEngine(t, storage, transport)

	enq, _ := e.Enqueue()
	enq.Write([]byte("body"))
	from := mustEmail(t, "a@b")
	enq.Commit(&from, []wire.Email{mustEmail(t, "c@d")}, nil, time.Now())

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// After the first (failing) attempt, the entry must be back in Queued
	// with its schedule pushed into the future (per-policy backoff), not
	// immediately retried.
	// Send is counted before it returns; the requeue follows it, so wait
	// for the entry to reach Queued again as well.
	waitFor(t, time.Second, func() bool {
		transport.mu.Lock()
		calls := transport.calls
		transport.mu.Unlock()
		q, _ := storage.ListQueued()
		return calls >= 1 && len(q) == 1
	})
	queued, err := storage.ListQueued()
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected entry back in queue after transient failure, got %d queued", len(queued))
	}
	raw, err := storage.ReadSchedule(queued[0])
	if err != nil {
		t.Fatalf("ReadSchedule: %v", err)
	}
	sched, err := unmarshalSchedule(raw)
	if err != nil {
		t.Fatalf("unmarshalSchedule: %v", err)
	}
	if !sched.At.After(time.Now()) {
		t.Fatalf("expected rescheduled At in the future, got %s", sched.At)
	}
	if sched.LastInterval.time() <= 0 {
		t.Fatalf("expected a positive backoff interval to be recorded")
	}
}

func TestPermanentFailureInvokesBounceAndCleansUp(t *testing.T) {
	storage := newStorage(t)
	transport := &fakeTransport{next: func(int, wire.Email) error {
		return &PermanentError{Err: errors.New("mailbox unavailable")}
	}}
	var bounced []Metadata
	var mu sync.Mutex
	e := New(storage, Config{
		PollInterval:  5 * time.Millisecond,
		CleanupPeriod: 5 * time.Millisecond,
		Transport:     transport,
		Bounce: func(meta Metadata, _ error) {
			mu.Lock()
			defer mu.Unlock()
			bounced = append(bounced, meta)
		},
	})

	enq, _ := e.Enqueue()
	enq.Write([]byte("body"))
	from := mustEmail(t, "a@b")
	enq.Commit(&from, []wire.Email{mustEmail(t, "c@d")}, nil, time.Now())

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bounced) == 1
	})
	waitFor(t, time.Second, func() bool {
		cleanup, _ := storage.ListCleanup()
		return len(cleanup) == 0
	})
}

func TestCrashRecoveryReturnsStaleInflightToQueued(t *testing.T) {
	storage := newStorage(t)
	id := func() queuefs.QueueId {
		enq, _ := New(storage, Config{Transport: &fakeTransport{next: func(int, wire.Email) error { return nil }}}).Enqueue()
		enq.Write([]byte("body"))
		from := mustEmail(t, "a@b")
		ids, err := enq.Commit(&from, []wire.Email{mustEmail(t, "c@d")}, nil, time.Now())
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		return ids[0]
	}()

	if err := storage.MarkInflight(id); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}

	e := New(storage, Config{
		RecoveryGrace: time.Millisecond,
		Transport:     &fakeTransport{next: func(int, wire.Email) error { return nil }},
	})
	time.Sleep(5 * time.Millisecond)
	if err := e.recoverInflight(); err != nil {
		t.Fatalf("recoverInflight: %v", err)
	}

	queued, err := storage.ListQueued()
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(queued) != 1 || queued[0] != id {
		t.Fatalf("expected %s back in queue, got %v", id, queued)
	}
}

func TestExponentialBackoffDoublesAndClamps(t *testing.T) {
	if got := ExponentialBackoff(0); got != time.Minute {
		t.Fatalf("first backoff = %s, want 1m", got)
	}
	if got := ExponentialBackoff(time.Minute); got != 2*time.Minute {
		t.Fatalf("second backoff = %s, want 2m", got)
	}
	overflowed := ExponentialBackoff(1 << 62)
	if overflowed != fallbackInterval {
		t.Fatalf("overflowing backoff = %s, want fallback %s", overflowed, fallbackInterval)
	}
}
