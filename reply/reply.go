// Package reply implements the SMTP reply codec: reply codes, RFC 3463
// enhanced status codes, and the multi-line reply wire format, built
// around a class.subject.detail struct rather than a flat string-keyed
// map.
package reply

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/vellum-mta/vellum/wire"
)

// ReplyKind is the first digit of a ReplyCode.
type ReplyKind int

const (
	PositiveCompletion  ReplyKind = 2
	PositiveIntermediate ReplyKind = 3
	TransientNegative   ReplyKind = 4
	PermanentNegative   ReplyKind = 5
)

// ReplyCategory is the second digit of a ReplyCode.
type ReplyCategory int

const (
	CategorySyntax         ReplyCategory = 0
	CategoryInformation    ReplyCategory = 1
	CategoryConnection     ReplyCategory = 2
	CategoryReceiverStatus ReplyCategory = 5
	CategoryUnspecified    ReplyCategory = -1
)

// ReplyCode is a 3-digit SMTP reply code in [200,599].
type ReplyCode int

func NewReplyCode(n int) (ReplyCode, error) {
	if n < 200 || n > 599 {
		return 0, wire.NewParseError("reply code", "must be in [200,599]")
	}
	return ReplyCode(n), nil
}

func (c ReplyCode) Kind() ReplyKind { return ReplyKind(int(c) / 100) }

func (c ReplyCode) Category() ReplyCategory {
	switch (int(c) / 10) % 10 {
	case 0:
		return CategorySyntax
	case 1:
		return CategoryInformation
	case 2:
		return CategoryConnection
	case 5:
		return CategoryReceiverStatus
	default:
		return CategoryUnspecified
	}
}

func (c ReplyCode) String() string { return strconv.Itoa(int(c)) }

// EnhancedReplyCode is the RFC 3463 "class.subject.detail" triple.
type EnhancedReplyCode struct {
	Class, Subject, Detail int
}

func NewEnhancedReplyCode(class, subject, detail int) (EnhancedReplyCode, error) {
	if class != 2 && class != 4 && class != 5 {
		return EnhancedReplyCode{}, wire.NewParseError("enhanced reply code", "class must be 2, 4 or 5")
	}
	if subject < 0 || subject > 999 || detail < 0 || detail > 999 {
		return EnhancedReplyCode{}, wire.NewParseError("enhanced reply code", "subject/detail out of range")
	}
	return EnhancedReplyCode{Class: class, Subject: subject, Detail: detail}, nil
}

func (e EnhancedReplyCode) String() string {
	return strconv.Itoa(e.Class) + "." + strconv.Itoa(e.Subject) + "." + strconv.Itoa(e.Detail)
}

// classForKind maps a ReplyKind to the enhanced-code class it must agree
// with. PositiveIntermediate (3xx) has no enhanced-code class of its own;
// New skips the check for it.
func classForKind(k ReplyKind) (int, bool) {
	switch k {
	case PositiveCompletion:
		return 2, true
	case TransientNegative:
		return 4, true
	case PermanentNegative:
		return 5, true
	default:
		return 0, false
	}
}

// maxLineText is the maximum number of bytes of text per reply line:
// the 512-octet reply line limit minus code, separator and CRLF.
const maxLineText = 506

// Reply is a complete SMTP reply: a code, an optional enhanced code, and
// one or more text lines.
type Reply struct {
	Code     ReplyCode
	Enhanced *EnhancedReplyCode
	Lines    []string
}

// New builds a Reply, splitting text on newlines (and again at 506
// bytes per line) and rejecting a Code/Enhanced class mismatch at
// construction time, so a 250 reply carrying a 5.x.y enhanced code can
// never exist.
func New(code ReplyCode, enhanced *EnhancedReplyCode, text string) (Reply, error) {
	if enhanced != nil {
		if want, ok := classForKind(code.Kind()); ok && want != enhanced.Class {
			return Reply{}, wire.NewParseError("reply", "enhanced code class does not match reply code kind")
		}
	}
	if text == "" {
		return Reply{}, wire.NewParseError("reply", "reply text must not be empty")
	}
	return Reply{Code: code, Enhanced: enhanced, Lines: splitLines(text)}, nil
}

func splitLines(text string) []string {
	var lines []string
	for _, seg := range strings.Split(text, "\n") {
		for len(seg) > maxLineText {
			lines = append(lines, seg[:maxLineText])
			seg = seg[maxLineText:]
		}
		lines = append(lines, seg)
	}
	return lines
}

// Serialize emits the reply in wire order: N-1 continuation lines
// "CCC-[E.N.N ]text\r\n" followed by one terminator line "CCC [E.N.N ]text\r\n".
func (r Reply) Serialize() []byte {
	var buf bytes.Buffer
	codeStr := r.Code.String()
	for i, line := range r.Lines {
		buf.WriteString(codeStr)
		if i == len(r.Lines)-1 {
			buf.WriteByte(' ')
		} else {
			buf.WriteByte('-')
		}
		if r.Enhanced != nil {
			buf.WriteString(r.Enhanced.String())
			buf.WriteByte(' ')
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
