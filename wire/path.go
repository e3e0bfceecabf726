package wire

// Path is the obsolete source-route sequence of Hostnames that may
// prefix an Email on the wire as "@h1,@h2:". It is parsed for RFC 5321
// compatibility but callers should discard it when forwarding, as the
// RFC recommends.
type Path []Hostname

func (p Path) Serialize() []byte {
	if len(p) == 0 {
		return nil
	}
	var out []byte
	for i, h := range p {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '@')
		out = append(out, h.Serialize()...)
	}
	out = append(out, ':')
	return out
}

// ParsePath parses an optional leading source-route. If input does not
// begin with '@' it is absent: ParsePath returns (0, nil, nil), which
// callers must treat as "no route", not an error.
func ParsePath[S ByteSeq](input S) (consumed int, p Path, err error) {
	b := toBytes(input)
	if len(b) == 0 || b[0] != '@' {
		return 0, nil, nil
	}
	pos := 0
	var route Path
	for {
		if pos >= len(b) || b[pos] != '@' {
			return 0, nil, errf("path", "expected '@' to start an at-domain")
		}
		n, host, herr := ParseHostname(b[pos+1:], ",:")
		if herr != nil {
			return 0, nil, herr
		}
		route = append(route, host)
		pos = pos + 1 + n
		if pos >= len(b) {
			return 0, nil, ErrIncomplete
		}
		if b[pos] == ',' {
			pos++
			continue
		}
		if b[pos] == ':' {
			pos++
			return pos, route, nil
		}
		return 0, nil, errf("path", "expected ',' or ':' after at-domain")
	}
}

// StripPath parses and discards an optional leading source-route, returning
// the number of bytes consumed by it (0 if absent). This is the default,
// forwarding-safe entry point; use ParsePath directly for strict mode where
// the route must be retained and inspected.
func StripPath[S ByteSeq](input S) (consumed int, err error) {
	n, _, err := ParsePath(input)
	return n, err
}
