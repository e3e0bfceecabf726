package queuefs

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func stageAndCommit(t *testing.T, s *Storage, body string) QueueId {
	t.Helper()
	id, err := NewQueueId()
	if err != nil {
		t.Fatalf("NewQueueId: %v", err)
	}
	st, err := s.Stage(id)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := st.Write([]byte(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Commit(id, id, []byte(`{"from":"a@b"}`), []byte(`{"at":"2026-01-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

func TestCommitMakesEntryQueued(t *testing.T) {
	s := newStorage(t)
	id := stageAndCommit(t, s, "hello")

	queued, err := s.ListQueued()
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(queued) != 1 || queued[0] != id {
		t.Fatalf("ListQueued = %v", queued)
	}

	rc, err := s.OpenContents(id)
	if err != nil {
		t.Fatalf("OpenContents: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("contents = %q", got)
	}

	meta, err := s.ReadMetadata(id)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if string(meta) != `{"from":"a@b"}` {
		t.Fatalf("metadata = %q", meta)
	}
}

func TestFullLifecycle(t *testing.T) {
	s := newStorage(t)
	id := stageAndCommit(t, s, "hello")

	if err := s.MarkInflight(id); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	if queued, _ := s.ListQueued(); len(queued) != 0 {
		t.Fatalf("still queued after MarkInflight: %v", queued)
	}
	inflight, err := s.ListInflight()
	if err != nil || len(inflight) != 1 || inflight[0] != id {
		t.Fatalf("ListInflight = %v, err = %v", inflight, err)
	}

	if err := s.MarkCleanup(id); err != nil {
		t.Fatalf("MarkCleanup: %v", err)
	}
	if inflight, _ := s.ListInflight(); len(inflight) != 0 {
		t.Fatalf("still inflight after MarkCleanup: %v", inflight)
	}
	cleanup, err := s.ListCleanup()
	if err != nil || len(cleanup) != 1 || cleanup[0] != id {
		t.Fatalf("ListCleanup = %v, err = %v", cleanup, err)
	}

	if err := s.Reap(id); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if cleanup, _ := s.ListCleanup(); len(cleanup) != 0 {
		t.Fatalf("still in cleanup after Reap: %v", cleanup)
	}
	if _, err := os.Stat(filepath.Join(s.root, "data", string(id))); !os.IsNotExist(err) {
		t.Fatalf("data dir should be gone, err = %v", err)
	}
}

func TestTransientFailureReturnsToQueued(t *testing.T) {
	s := newStorage(t)
	id := stageAndCommit(t, s, "hello")

	if err := s.MarkInflight(id); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	if err := s.MarkQueued(id); err != nil {
		t.Fatalf("MarkQueued: %v", err)
	}
	queued, err := s.ListQueued()
	if err != nil || len(queued) != 1 || queued[0] != id {
		t.Fatalf("ListQueued after requeue = %v, err = %v", queued, err)
	}
}

func TestMarkInflightVanishedReportsErrVanished(t *testing.T) {
	s := newStorage(t)
	id := QueueId("does-not-exist")
	if err := s.MarkInflight(id); err != ErrVanished {
		t.Fatalf("err = %v, want ErrVanished", err)
	}
}

func TestRescheduleOverwritesScheduleInPlace(t *testing.T) {
	s := newStorage(t)
	id := stageAndCommit(t, s, "hello")

	if err := s.Reschedule(id, []byte(`{"at":"2026-02-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	got, err := s.ReadSchedule(id)
	if err != nil {
		t.Fatalf("ReadSchedule: %v", err)
	}
	if string(got) != `{"at":"2026-02-01T00:00:00Z"}` {
		t.Fatalf("schedule = %q", got)
	}

	// Reschedule must work regardless of which state directory the
	// symlink currently lives in.
	if err := s.MarkInflight(id); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	if err := s.Reschedule(id, []byte(`{"at":"2026-03-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("Reschedule while inflight: %v", err)
	}
}

func TestFanOutSharesPayloadBySymlink(t *testing.T) {
	s := newStorage(t)
	contentID, err := NewQueueId()
	if err != nil {
		t.Fatalf("NewQueueId: %v", err)
	}
	st, err := s.Stage(contentID)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := st.Write([]byte("shared payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var ids []QueueId
	for i := 0; i < 2; i++ {
		id, err := NewQueueId()
		if err != nil {
			t.Fatalf("NewQueueId: %v", err)
		}
		if err := s.Commit(id, contentID, []byte(`{}`), []byte(`{}`)); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		rc, err := s.OpenContents(id)
		if err != nil {
			t.Fatalf("OpenContents(%s): %v", id, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || string(got) != "shared payload" {
			t.Fatalf("contents for %s = %q, err = %v", id, got, err)
		}
	}

	// Reaping one recipient's entry must not disturb the shared payload
	// or the sibling recipient still referencing it.
	if err := s.MarkInflight(ids[0]); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	if err := s.MarkCleanup(ids[0]); err != nil {
		t.Fatalf("MarkCleanup: %v", err)
	}
	if err := s.Reap(ids[0]); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	rc, err := s.OpenContents(ids[1])
	if err != nil {
		t.Fatalf("OpenContents(%s) after sibling reap: %v", ids[1], err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(got) != "shared payload" {
		t.Fatalf("contents for surviving sibling = %q, err = %v", got, err)
	}
}

func TestReapIsIdempotent(t *testing.T) {
	s := newStorage(t)
	id := stageAndCommit(t, s, "hello")
	if err := s.MarkInflight(id); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	if err := s.MarkCleanup(id); err != nil {
		t.Fatalf("MarkCleanup: %v", err)
	}
	if err := s.Reap(id); err != nil {
		t.Fatalf("first Reap: %v", err)
	}
	if err := s.Reap(id); err != nil {
		t.Fatalf("second Reap should tolerate already-gone state: %v", err)
	}
}
