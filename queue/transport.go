package queue

import (
	"context"
	"errors"
	"io"

	"github.com/vellum-mta/vellum/wire"
)

// Transport is the outbound delivery collaborator: given one
// (from, to, contents) triple, attempt a single delivery. It owns its
// own per-step deadlines (banner read, EHLO reply, MAIL/RCPT replies,
// DATA phases); the queue engine itself applies no send-level timeout.
type Transport interface {
	Send(ctx context.Context, from wire.Email, to wire.Email, contents io.Reader) error
}

// PermanentError marks a delivery failure that will never succeed on
// retry (e.g. a 5xx reply). Any other non-nil error from Transport.Send
// is treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// BounceFunc is called on permanent delivery failure, given the entry's
// metadata. Nil by default, so the default engine configuration
// performs no bounce. This is only the extension seam, not an
// implementation of bounce message generation.
// TODO: ship a DSN-generating BounceFunc so operators get RFC 3464
// failure reports instead of a silent drop.
type BounceFunc func(meta Metadata, failure error)
