package wire

import "strings"

// Parameter is one ESMTP "name[=value]" pair.
type Parameter struct {
	Name  string
	Value string // empty + HasValue=false when the parameter carries no value
	HasValue bool
}

// Parameters is an insertion-ordered sequence of ESMTP parameters: not a
// map, because the wire order a peer sent must round-trip.
type Parameters []Parameter

func (p Parameters) Serialize() []byte {
	var out []byte
	for i, prm := range p {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, prm.Name...)
		if prm.HasValue {
			out = append(out, '=')
			out = append(out, prm.Value...)
		}
	}
	return out
}

func isParamNameStart(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

func isParamNameRest(c byte) bool {
	return isParamNameStart(c) || c == '-'
}

func isParamValue(c byte) bool {
	// non-whitespace, non-'=', non-control
	return c > 0x20 && c != 0x7f && c != '='
}

// ParseParameters parses zero or more space-separated "name[=value]" pairs.
// terms is the set of bytes allowed to follow the whole sequence (commonly
// "\r" since a command line ends in CRLF).
func ParseParameters[S ByteSeq](input S, terms string) (consumed int, params Parameters, err error) {
	b := toBytes(input)
	pos := 0
	for {
		if pos >= len(b) {
			if len(params) == 0 {
				return 0, nil, nil
			}
			return 0, nil, ErrIncomplete
		}
		if strings.ContainsRune(terms, rune(b[pos])) {
			return pos, params, nil
		}
		n, prm, perr := parseOneParameter(b[pos:])
		if perr != nil {
			return 0, nil, perr
		}
		if n == 0 {
			return 0, nil, ErrIncomplete
		}
		params = append(params, prm)
		pos += n
		if pos >= len(b) {
			return 0, nil, ErrIncomplete
		}
		if strings.ContainsRune(terms, rune(b[pos])) {
			return pos, params, nil
		}
		if b[pos] != ' ' {
			return 0, nil, errf("parameters", "expected space between parameters")
		}
		pos++
	}
}

func parseOneParameter(b []byte) (int, Parameter, error) {
	if len(b) == 0 || !isParamNameStart(b[0]) {
		return 0, Parameter{}, errf("parameter", "name must start with a letter or digit")
	}
	i := 1
	for i < len(b) && isParamNameRest(b[i]) {
		i++
	}
	if i == len(b) {
		return 0, Parameter{}, ErrIncomplete
	}
	name := string(b[:i])
	if b[i] != '=' {
		return i, Parameter{Name: name}, nil
	}
	j := i + 1
	for j < len(b) && isParamValue(b[j]) {
		j++
	}
	if j == i+1 {
		return 0, Parameter{}, errf("parameter", "empty value after '='")
	}
	if j == len(b) {
		return 0, Parameter{}, ErrIncomplete
	}
	return j, Parameter{Name: name, Value: string(b[i+1 : j]), HasValue: true}, nil
}
