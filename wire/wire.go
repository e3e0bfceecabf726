// Package wire implements the SMTP wire-protocol value types: hostnames,
// localparts, email addresses, source-routes and ESMTP parameters.
//
// Every type exposes a streaming parser that consumes a prefix of an input
// buffer and a serializer that emits the value back onto the wire. Parsers
// are generic over the input representation ([]byte or string) so the same
// parsing logic serves both. Parsed values do not borrow from the input:
// each holds its own string copy of the text it was parsed from.
package wire

import "errors"

// ByteSeq is satisfied by both string and []byte, letting parsers stay
// representation-agnostic: a []byte input is scanned in place, a string
// input is first converted to a []byte copy. Either way the parsed
// values copy the text they keep into strings.
type ByteSeq interface {
	~string | ~[]byte
}

// ErrIncomplete is returned by a parser when the supplied input is a valid
// prefix of some value but more bytes are needed to know where it ends.
var ErrIncomplete = errors.New("wire: incomplete input")

// ParseError reports that the input cannot extend into a valid value of the
// type being parsed, as opposed to ErrIncomplete which says "not yet".
type ParseError struct {
	Type   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return "wire: invalid " + e.Type
	}
	return "wire: invalid " + e.Type + ": " + e.Reason
}

func errf(typ, reason string) error {
	return &ParseError{Type: typ, Reason: reason}
}

// NewParseError constructs a ParseError for use by packages built on top of
// wire (command, reply) that want the same "invalid, not incomplete"
// error shape.
func NewParseError(typ, reason string) error {
	return errf(typ, reason)
}

func toBytes[S ByteSeq](s S) []byte {
	return []byte(s)
}

func toString[S ByteSeq](s S) string {
	return string(s)
}
