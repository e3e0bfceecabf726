package wire

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// utf8LocalpartProfile validates the non-ASCII portion of an SMTPUTF8
// local-part (RFC 6531): PRECIS's freeform character class rejects
// control characters, unassigned codepoints and other characters RFC
// 8264 disallows in human-facing identifiers. Freeform (not the
// stricter identifier class) because local-parts legitimately contain
// the punctuation atext specials ASCII already allows.
var utf8LocalpartProfile = precis.NewFreeform()

// validateUTF8Localpart rejects a resolved (escapes-applied) local-part
// string that either isn't in Unicode Normalization Form C or that the
// PRECIS freeform profile disallows.
func validateUTF8Localpart(s string) error {
	if !norm.NFC.IsNormalString(s) {
		return errf("localpart", "utf-8 local-part is not in normalization form C")
	}
	if _, err := utf8LocalpartProfile.String(s); err != nil {
		return errf("localpart", "utf-8 local-part rejected: "+err.Error())
	}
	return nil
}

// LocalpartKind distinguishes the four forms a Localpart can take.
type LocalpartKind int

const (
	LocalpartASCIIDotString LocalpartKind = iota
	LocalpartASCIIQuoted
	LocalpartUTF8DotString
	LocalpartUTF8Quoted
)

// Localpart is the part of an Email before the '@'. Its raw form preserves
// surrounding quotes and backslash-escapes verbatim; Unquote resolves the
// semantic value.
type Localpart struct {
	kind LocalpartKind
	raw  string
}

func (l Localpart) Kind() LocalpartKind { return l.kind }
func (l Localpart) Raw() string         { return l.raw }
func (l Localpart) Serialize() []byte   { return []byte(l.raw) }

// Unquote resolves the semantic value: for a dot-string form this is just
// Raw; for a quoted form the surrounding quotes are dropped and backslash
// escapes resolved.
func (l Localpart) Unquote() string {
	if l.kind != LocalpartASCIIQuoted && l.kind != LocalpartUTF8Quoted {
		return l.raw
	}
	inner := l.raw[1 : len(l.raw)-1]
	var b strings.Builder
	b.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

const aextSpecials = "!#$%&'*+-/=?^_`{|}~"

func isAtext(b byte) bool {
	if b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9' {
		return true
	}
	return strings.IndexByte(aextSpecials, b) >= 0
}

// ParseLocalpart parses a Localpart prefix of input. terms is the set of
// bytes allowed to follow. Tries quoted form first, then dot-string form;
// within each, the ASCII-only or UTF-8-permitting variant is chosen based
// on whether any non-ASCII byte was actually consumed.
func ParseLocalpart[S ByteSeq](input S, terms string) (consumed int, l Localpart, err error) {
	b := toBytes(input)
	if len(b) == 0 {
		return 0, Localpart{}, ErrIncomplete
	}
	if b[0] == '"' {
		return parseQuotedLocalpart(b, terms)
	}
	return parseDotStringLocalpart(b, terms)
}

func parseQuotedLocalpart(b []byte, terms string) (int, Localpart, error) {
	i := 1
	sawUTF8 := false
	for i < len(b) {
		c := b[i]
		if c == '"' {
			n := i + 1
			if n == len(b) {
				return 0, Localpart{}, ErrIncomplete
			}
			if !strings.ContainsRune(terms, rune(b[n])) {
				return 0, Localpart{}, errf("localpart", "unexpected terminator after quoted string")
			}
			kind := LocalpartASCIIQuoted
			if sawUTF8 {
				kind = LocalpartUTF8Quoted
			}
			l := Localpart{kind: kind, raw: string(b[:n])}
			if sawUTF8 {
				if err := validateUTF8Localpart(l.Unquote()); err != nil {
					return 0, Localpart{}, err
				}
			}
			return n, l, nil
		}
		if c == '\\' {
			if i+1 >= len(b) {
				return 0, Localpart{}, ErrIncomplete
			}
			esc := b[i+1]
			if esc < 0x20 || esc == 0x7f {
				return 0, Localpart{}, errf("localpart", "escaped control character in quoted string")
			}
			if esc >= 0x80 {
				sawUTF8 = true
			}
			i += 2
			continue
		}
		if c < 0x20 || c == 0x7f {
			return 0, Localpart{}, errf("localpart", "control character in quoted string")
		}
		if c >= 0x80 {
			sawUTF8 = true
		}
		i++
	}
	return 0, Localpart{}, ErrIncomplete
}

func parseDotStringLocalpart(b []byte, terms string) (int, Localpart, error) {
	i := 0
	sawUTF8 := false
	lastWasDot := true // disallow a leading dot
	for i < len(b) {
		c := b[i]
		if c == '.' {
			if lastWasDot {
				break // leading or double dot: stop, this is the terminator check below
			}
			lastWasDot = true
			i++
			continue
		}
		if isAtext(c) {
			lastWasDot = false
			i++
			continue
		}
		if c >= 0x80 {
			r, size := utf8.DecodeRune(b[i:])
			if r == utf8.RuneError || unicode.IsControl(r) {
				break
			}
			sawUTF8 = true
			lastWasDot = false
			i += size
			continue
		}
		break
	}
	if i == 0 {
		return 0, Localpart{}, errf("localpart", "empty local-part")
	}
	if lastWasDot {
		// trailing dot is not part of the local-part
		i--
	}
	if i == len(b) {
		return 0, Localpart{}, ErrIncomplete
	}
	if !strings.ContainsRune(terms, rune(b[i])) {
		return 0, Localpart{}, errf("localpart", "unexpected terminator after dot-string")
	}
	kind := LocalpartASCIIDotString
	if sawUTF8 {
		kind = LocalpartUTF8DotString
		if err := validateUTF8Localpart(string(b[:i])); err != nil {
			return 0, Localpart{}, err
		}
	}
	return i, Localpart{kind: kind, raw: string(b[:i])}, nil
}
