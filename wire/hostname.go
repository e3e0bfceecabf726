package wire

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// HostnameKind distinguishes the four productions a Hostname can parse as.
type HostnameKind int

const (
	HostnameASCII HostnameKind = iota
	HostnameUTF8
	HostnameIPv4
	HostnameIPv6
)

// Hostname is one of: an ASCII domain, an internationalized (Unicode)
// domain, a bracketed IPv4 literal, or a bracketed IPv6 literal. The raw
// textual form is preserved verbatim; Equal compares only on that raw form,
// never on the resolved ASCII/punycode form.
type Hostname struct {
	kind  HostnameKind
	raw   string
	ascii string // punycode form for HostnameUTF8; equals raw for the others
}

func (h Hostname) Kind() HostnameKind { return h.kind }

// Raw is the exact wire text, e.g. "[192.0.2.1]", "[IPv6:::1]", "xn--nxasmq6b.example".
func (h Hostname) Raw() string { return h.raw }

// ASCII is the IDNA-converted, always-ASCII form. For non-UTF8 hostnames
// this equals Raw.
func (h Hostname) ASCII() string { return h.ascii }

// Equal compares two hostnames on their raw textual form only.
func (h Hostname) Equal(o Hostname) bool { return h.raw == o.raw }

func (h Hostname) Serialize() []byte { return []byte(h.raw) }

var asciiDomainRE = regexp.MustCompile(
	`^[[:alnum:]]([-[:alnum:]]*[[:alnum:]])?(\.[[:alnum:]]([-[:alnum:]]*[[:alnum:]])?)*`)

// a conservative prefix for a would-be internationalized domain label: any
// run of non-control, non-terminator, non-'.'  characters, dot-separated.
var utf8DomainRE = regexp.MustCompile(`^[^\x00-\x2c\x2e\x2f\x3a-\x40\x5b-\x60\x7b-\x7f]+(\.[^\x00-\x2c\x2e\x2f\x3a-\x40\x5b-\x60\x7b-\x7f]+)*`)

var idnaProfile = idna.New(
	idna.ValidateLabels(true),
	idna.StrictDomainName(true),
	idna.VerifyDNSLength(true),
	idna.CheckHyphens(true),
)

// ParseHostname parses a Hostname prefix of input. terms is the set of
// bytes that are allowed to follow the hostname (e.g. ">", " ", ":"); the
// terminator is only peeked, never consumed. Tries, in order: bracketed
// IPv6 literal, bracketed IPv4 literal, ASCII domain, UTF-8 domain.
func ParseHostname[S ByteSeq](input S, terms string) (consumed int, h Hostname, err error) {
	b := toBytes(input)
	if len(b) == 0 {
		return 0, Hostname{}, ErrIncomplete
	}

	if b[0] == '[' {
		return parseAddressLiteral(b, terms)
	}

	if loc := asciiDomainRE.FindIndex(b); loc != nil && loc[0] == 0 {
		n := loc[1]
		if n == len(b) {
			return 0, Hostname{}, ErrIncomplete
		}
		// An ASCII prefix not followed by a terminator may still be the
		// start of a UTF-8 domain, so fall through to that production.
		if strings.ContainsRune(terms, rune(b[n])) {
			raw := string(b[:n])
			return n, Hostname{kind: HostnameASCII, raw: raw, ascii: raw}, nil
		}
	}

	if loc := utf8DomainRE.FindIndex(b); loc != nil && loc[0] == 0 {
		n := loc[1]
		if n == len(b) {
			return 0, Hostname{}, ErrIncomplete
		}
		if !strings.ContainsRune(terms, rune(b[n])) {
			return 0, Hostname{}, errf("hostname", "unexpected terminator after UTF-8 domain")
		}
		raw := string(b[:n])
		ascii, convErr := idnaProfile.ToASCII(raw)
		if convErr != nil {
			return 0, Hostname{}, errf("hostname", "IDNA conversion failed: "+convErr.Error())
		}
		return n, Hostname{kind: HostnameUTF8, raw: raw, ascii: ascii}, nil
	}

	return 0, Hostname{}, errf("hostname", "no valid domain, IPv4 or IPv6 literal found")
}

func parseAddressLiteral(b []byte, terms string) (int, Hostname, error) {
	end := -1
	for i := 1; i < len(b); i++ {
		if b[i] == ']' {
			end = i
			break
		}
	}
	if end == -1 {
		return 0, Hostname{}, ErrIncomplete
	}
	n := end + 1
	if n == len(b) {
		return 0, Hostname{}, ErrIncomplete
	}
	if !strings.ContainsRune(terms, rune(b[n])) {
		return 0, Hostname{}, errf("hostname", "unexpected terminator after address literal")
	}
	raw := string(b[:n])
	inner := string(b[1:end])

	if strings.HasPrefix(strings.ToUpper(inner), "IPV6:") {
		ip := net.ParseIP(inner[5:])
		if ip == nil || ip.To4() != nil {
			return 0, Hostname{}, errf("hostname", "invalid IPv6 address literal")
		}
		return n, Hostname{kind: HostnameIPv6, raw: raw, ascii: raw}, nil
	}

	ip := net.ParseIP(inner)
	if ip == nil || ip.To4() == nil {
		return 0, Hostname{}, errf("hostname", "invalid IPv4 address literal")
	}
	return n, Hostname{kind: HostnameIPv4, raw: raw, ascii: raw}, nil
}
