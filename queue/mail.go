// Package queue implements the mail queue engine: enqueue, fan-out
// commit, scheduled dispatch, retry with backoff, crash recovery and
// cleanup reaping, layered on top of queuefs's symlink-based storage.
package queue

import (
	"encoding/json"
	"time"

	"github.com/vellum-mta/vellum/queuefs"
	"github.com/vellum-mta/vellum/wire"
)

// QueueId identifies one queue entry; re-exported from queuefs since it
// is part of this package's public vocabulary too.
type QueueId = queuefs.QueueId

// ScheduleInfo records when an entry is next due and when it was last
// attempted. LastInterval is the most recent backoff interval used to
// compute At, persisted so BackoffPolicy (a function of the last
// interval) has something to read back across a process restart.
type ScheduleInfo struct {
	At           time.Time  `json:"at"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	LastInterval Duration   `json:"last_interval,omitempty"`
}

// Duration is time.Duration with JSON marshaling as nanoseconds (plain
// int64 round-trips exactly, unlike the default stringer).
type Duration time.Duration

func (d Duration) time() time.Duration { return time.Duration(d) }

// Metadata is the per-entry envelope persisted to data/<id>/metadata:
// the sender, the single recipient this fanned-out entry targets, and a
// caller-extensible blob (e.g. a spam score a filter hook stashed).
// Each queue entry names exactly one recipient so retries stay
// independent per recipient; the full original recipient list lives
// only on the Enqueuer call, not on disk.
type Metadata struct {
	From  string         `json:"from,omitempty"`
	To    string         `json:"to"`
	Extra map[string]any `json:"extra,omitempty"`
}

// sentinel lets wire's peek-a-terminator parsers be told "this is
// genuinely the end" when parsing a whole, isolated string.
const sentinel = 0x00

func withSentinel(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = sentinel
	return b
}

func parseEmail(s string) (wire.Email, error) {
	if s == "" {
		return wire.Email{}, nil
	}
	_, e, err := wire.ParseEmail(withSentinel(s), string(rune(sentinel)))
	return e, err
}

func emailString(e *wire.Email) string {
	if e == nil {
		return ""
	}
	return string(e.Serialize())
}

func marshalMetadata(from *wire.Email, to wire.Email, extra map[string]any) ([]byte, error) {
	return json.Marshal(Metadata{From: emailString(from), To: string(to.Serialize()), Extra: extra})
}

func unmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(b, &m)
	return m, err
}

func marshalSchedule(s ScheduleInfo) ([]byte, error) { return json.Marshal(s) }

func unmarshalSchedule(b []byte) (ScheduleInfo, error) {
	var s ScheduleInfo
	err := json.Unmarshal(b, &s)
	return s, err
}
