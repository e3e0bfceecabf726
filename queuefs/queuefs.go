// Package queuefs implements the three-directory, symlink-based
// filesystem storage backing the mail queue: a content directory
// (data/<id>/) holding payload, metadata and schedule, and three
// sibling directories (queue/, inflight/, cleanup/) each holding a
// symlink into data/<id> that names the entry's current state. State
// transitions are directory-local symlink renames, which the kernel
// guarantees atomic; the symlink, not the data directory, is the source
// of truth for which state an entry is in.
package queuefs

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"
)

// QueueId is an opaque, globally-unique identifier for one queued mail,
// realized here as the data/ subdirectory name.
type QueueId string

// NewQueueId returns a fresh random QueueId: 128 bits from crypto/rand,
// hex-encoded.
func NewQueueId() (QueueId, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return QueueId(hex.EncodeToString(b[:])), nil
}

// ErrVanished is returned by a state-transition method when the symlink
// it expected to rename is missing: a concurrent transition won the
// race, or the entry was already reaped.
var ErrVanished = errors.New("queuefs: queue entry vanished")

// Storage is a queue root directory holding data/, queue/, inflight/
// and cleanup/.
type Storage struct {
	root string
}

// Open ensures the four subdirectories exist under root and returns a
// Storage bound to it.
func Open(root string) (*Storage, error) {
	for _, sub := range []string{"data", "queue", "inflight", "cleanup"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Storage{root: root}, nil
}

func (s *Storage) dataDir(id QueueId) string     { return filepath.Join(s.root, "data", string(id)) }
func (s *Storage) queueLink(id QueueId) string    { return filepath.Join(s.root, "queue", string(id)) }
func (s *Storage) inflightLink(id QueueId) string { return filepath.Join(s.root, "inflight", string(id)) }
func (s *Storage) cleanupLink(id QueueId) string  { return filepath.Join(s.root, "cleanup", string(id)) }

// Staged is an in-progress payload write for a not-yet-committed entry.
type Staged struct {
	id   QueueId
	dir  string
	file *os.File
}

// Stage creates data/<id>/ and opens its contents file for writing. The
// caller writes the message body through Staged, then calls Close, then
// Commit to make the entry visible.
func (s *Storage) Stage(id QueueId) (*Staged, error) {
	dir := s.dataDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "contents"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Staged{id: id, dir: dir, file: f}, nil
}

func (st *Staged) Write(p []byte) (int, error) { return st.file.Write(p) }

// Close flushes and closes the contents file. Payload is write-once:
// it must be closed before Commit.
func (st *Staged) Close() error {
	if err := st.file.Sync(); err != nil {
		st.file.Close()
		return err
	}
	return st.file.Close()
}

// writeAtomic is the write-tmp-then-rename pattern used for schedule
// and metadata: write to "<name>.<id>-tmp", fsync, then rename over
// "<name>".
func writeAtomic(dir, name string, id QueueId, data []byte) error {
	tmpName := filepath.Join(dir, name+"."+string(id)+"-tmp")
	f, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

// Commit writes schedule then metadata (write-tmp-then-rename) and
// finally symlinks queue/<id> to id's data directory -- the commit
// point. A crash before the symlink exists leaves an orphaned data/<id>
// directory, reaped by a separate scavenger.
//
// contentID names whichever id was Stage()'d with the message payload.
// For a single-recipient mail it is id itself, and the payload already
// sits directly in data/<id>/contents. For a fanned-out mail every
// recipient gets its own id and data directory but the same contentID,
// so Commit links data/<id>/contents to the shared payload instead of
// copying it.
func (s *Storage) Commit(id, contentID QueueId, metadata, schedule []byte) error {
	dir := s.dataDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if contentID != id {
		rel, err := filepath.Rel(dir, filepath.Join(s.dataDir(contentID), "contents"))
		if err != nil {
			return err
		}
		if err := os.Symlink(rel, filepath.Join(dir, "contents")); err != nil {
			return err
		}
	}
	if err := writeAtomic(dir, "schedule", id, schedule); err != nil {
		return err
	}
	if err := writeAtomic(dir, "metadata", id, metadata); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Join(s.root, "queue"), dir)
	if err != nil {
		return err
	}
	return os.Symlink(rel, s.queueLink(id))
}

// Reschedule overwrites schedule (write-tmp-then-rename), independent of
// which state directory currently links to the entry.
func (s *Storage) Reschedule(id QueueId, schedule []byte) error {
	return writeAtomic(s.dataDir(id), "schedule", id, schedule)
}

// Remeta overwrites metadata the same way.
func (s *Storage) Remeta(id QueueId, metadata []byte) error {
	return writeAtomic(s.dataDir(id), "metadata", id, metadata)
}

func (s *Storage) ReadMetadata(id QueueId) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dataDir(id), "metadata"))
}

func (s *Storage) ReadSchedule(id QueueId) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dataDir(id), "schedule"))
}

// OpenContents opens the payload for reading.
func (s *Storage) OpenContents(id QueueId) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.dataDir(id), "contents"))
}

func rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return ErrVanished
		}
		return err
	}
	return nil
}

// MarkInflight transitions Queued -> Inflight (send_start). The
// symlink's own mtime is bumped after the rename so InflightAge
// measures from this transition; rename alone preserves the mtime the
// symlink got when Commit created it.
func (s *Storage) MarkInflight(id QueueId) error {
	if err := rename(s.queueLink(id), s.inflightLink(id)); err != nil {
		return err
	}
	touchLink(s.inflightLink(id))
	return nil
}

// MarkQueued transitions Inflight -> Queued (send_cancel, on transient
// failure or local I/O error).
func (s *Storage) MarkQueued(id QueueId) error {
	return rename(s.inflightLink(id), s.queueLink(id))
}

// MarkCleanup transitions Inflight -> PendingCleanup (send_done, on
// success or permanent failure).
func (s *Storage) MarkCleanup(id QueueId) error {
	return rename(s.inflightLink(id), s.cleanupLink(id))
}

// InflightAge returns how long id has been in the Inflight state, used
// by crash-recovery to decide whether a grace window has elapsed. Reads
// the symlink's own mtime, which MarkInflight set at transition time.
func (s *Storage) InflightAge(id QueueId) (time.Duration, error) {
	fi, err := os.Lstat(s.inflightLink(id))
	if err != nil {
		return 0, err
	}
	return time.Since(fi.ModTime()), nil
}

func list(dir string) ([]QueueId, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]QueueId, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, QueueId(e.Name()))
	}
	return ids, nil
}

func (s *Storage) ListQueued() ([]QueueId, error)   { return list(filepath.Join(s.root, "queue")) }
func (s *Storage) ListInflight() ([]QueueId, error) { return list(filepath.Join(s.root, "inflight")) }
func (s *Storage) ListCleanup() ([]QueueId, error)  { return list(filepath.Join(s.root, "cleanup")) }

// Reap deletes a PendingCleanup entry: contents, metadata and schedule
// (tolerating already-gone), then the data directory, then finally the
// cleanup/ symlink. Symlink removal is the completion
// point, so a crash mid-Reap is safely retried: every step before it is
// idempotent on a missing file, and a retry after the symlink is gone
// simply finds nothing left to do.
func (s *Storage) Reap(id QueueId) error {
	dir := s.dataDir(id)
	for _, name := range []string{"contents", "metadata", "schedule"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.cleanupLink(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
