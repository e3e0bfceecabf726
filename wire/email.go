package wire

import "strings"

// Email is a Localpart with an optional Hostname. A bare localpart with no
// '@host' represents a system identity such as "postmaster".
type Email struct {
	Local Localpart
	Host  *Hostname
}

// Equal compares on raw textual form only, per the Hostname/Email equality
// contract.
func (e Email) Equal(o Email) bool {
	if e.Local.Raw() != o.Local.Raw() {
		return false
	}
	if (e.Host == nil) != (o.Host == nil) {
		return false
	}
	if e.Host == nil {
		return true
	}
	return e.Host.Equal(*o.Host)
}

func (e Email) IsEmpty() bool {
	return e.Local.Raw() == "" && e.Host == nil
}

func (e Email) Serialize() []byte {
	if e.Host == nil {
		return e.Local.Serialize()
	}
	out := make([]byte, 0, len(e.Local.Raw())+1+len(e.Host.Raw()))
	out = append(out, e.Local.Serialize()...)
	out = append(out, '@')
	out = append(out, e.Host.Serialize()...)
	return out
}

// ParseEmail parses a Localpart, optionally followed by "@" Hostname. terms
// is the set of bytes allowed to follow the whole Email.
func ParseEmail[S ByteSeq](input S, terms string) (consumed int, e Email, err error) {
	b := toBytes(input)
	localTerms := "@" + terms
	n, local, lerr := ParseLocalpart(b, localTerms)
	if lerr != nil {
		return 0, Email{}, lerr
	}
	if n == len(b) {
		return 0, Email{}, ErrIncomplete
	}
	if b[n] != '@' {
		if !strings.ContainsRune(terms, rune(b[n])) {
			return 0, Email{}, errf("email", "unexpected terminator after bare local-part")
		}
		return n, Email{Local: local}, nil
	}
	rest := b[n+1:]
	m, host, herr := ParseHostname(rest, terms)
	if herr != nil {
		return 0, Email{}, herr
	}
	return n + 1 + m, Email{Local: local, Host: &host}, nil
}
