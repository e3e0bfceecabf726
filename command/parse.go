package command

import (
	"bytes"
	"strings"

	"github.com/vellum-mta/vellum/wire"
)

// sentinel is appended to an isolated command line so wire parsers (which
// need to peek a terminator byte) can be told "this is genuinely the end",
// without requiring them to special-case end-of-buffer.
const sentinel = 0x00

func withSentinel(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = sentinel
	return out
}

// Parse parses a single Command from input, scanning for the CRLF that
// terminates it. Returns (0, nil, wire.ErrIncomplete) if no CRLF has
// arrived yet and the line so far is within MaxCommandLine; a *wire.ParseError
// if the line exceeds MaxCommandLine without a CRLF, the verb is unknown,
// or the argument is malformed.
func Parse(input []byte) (consumed int, cmd Command, err error) {
	idx := bytes.Index(input, []byte("\r\n"))
	if idx == -1 {
		if len(input) >= MaxCommandLine {
			return 0, nil, wire.NewParseError("command", "line too long")
		}
		return 0, nil, wire.ErrIncomplete
	}
	line := input[:idx]
	consumed = idx + 2

	verbEnd := 0
	for verbEnd < len(line) && line[verbEnd] != ' ' && line[verbEnd] != '\t' {
		verbEnd++
	}
	verbTok := string(line[:verbEnd])
	argStart := verbEnd
	for argStart < len(line) && (line[argStart] == ' ' || line[argStart] == '\t') {
		argStart++
	}
	arg := line[argStart:]

	switch {
	case strings.EqualFold(verbTok, "DATA"):
		if len(bytes.TrimSpace(arg)) != 0 {
			return 0, nil, wire.NewParseError("command", "DATA takes no argument")
		}
		return consumed, DataCmd{}, nil
	case strings.EqualFold(verbTok, "RSET"):
		if len(bytes.TrimSpace(arg)) != 0 {
			return 0, nil, wire.NewParseError("command", "RSET takes no argument")
		}
		return consumed, RsetCmd{}, nil
	case strings.EqualFold(verbTok, "QUIT"):
		if len(bytes.TrimSpace(arg)) != 0 {
			return 0, nil, wire.NewParseError("command", "QUIT takes no argument")
		}
		return consumed, QuitCmd{}, nil
	case strings.EqualFold(verbTok, "HELO"):
		h, herr := parseFullHostname(arg)
		if herr != nil {
			return 0, nil, herr
		}
		return consumed, HeloCmd{Hostname: h}, nil
	case strings.EqualFold(verbTok, "EHLO"):
		h, herr := parseFullHostname(arg)
		if herr != nil {
			return 0, nil, herr
		}
		return consumed, EhloCmd{Hostname: h}, nil
	case strings.EqualFold(verbTok, "LHLO"):
		h, herr := parseFullHostname(arg)
		if herr != nil {
			return 0, nil, herr
		}
		return consumed, LhloCmd{Hostname: h}, nil
	case strings.EqualFold(verbTok, "NOOP"):
		return consumed, NoopCmd{Text: string(arg)}, nil
	case strings.EqualFold(verbTok, "VRFY"):
		return consumed, VrfyCmd{Text: string(arg)}, nil
	case strings.EqualFold(verbTok, "EXPN"):
		return consumed, ExpnCmd{Text: string(arg)}, nil
	case strings.EqualFold(verbTok, "HELP"):
		return consumed, HelpCmd{Text: string(arg)}, nil
	case len(verbTok) >= 4 && strings.EqualFold(verbTok[:4], "MAIL"):
		m, merr := parseMail(line[verbEnd:])
		if merr != nil {
			return 0, nil, merr
		}
		return consumed, m, nil
	case len(verbTok) >= 4 && strings.EqualFold(verbTok[:4], "RCPT"):
		r, rerr := parseRcpt(line[verbEnd:])
		if rerr != nil {
			return 0, nil, rerr
		}
		return consumed, r, nil
	default:
		return 0, nil, wire.NewParseError("command", "unrecognized verb: "+verbTok)
	}
}

func parseFullHostname(arg []byte) (wire.Hostname, error) {
	trimmed := bytes.TrimSpace(arg)
	if len(trimmed) == 0 {
		return wire.Hostname{}, wire.NewParseError("command", "missing hostname argument")
	}
	n, h, err := wire.ParseHostname(withSentinel(trimmed), string(rune(sentinel)))
	if err != nil {
		return wire.Hostname{}, err
	}
	if n != len(trimmed) {
		return wire.Hostname{}, wire.NewParseError("command", "trailing data after hostname")
	}
	return h, nil
}

// parseMail parses the rest of the line after "MAIL" up to (excluding)
// CRLF: optional leading whitespace, "FROM:", "<reverse-path>" or a bare
// form, then zero or more ESMTP parameters.
func parseMail(rest []byte) (MailCmd, error) {
	rest = bytes.TrimLeft(rest, " \t")
	const prefix = "FROM:"
	if len(rest) < len(prefix) || !strings.EqualFold(string(rest[:len(prefix)]), prefix) {
		return MailCmd{}, wire.NewParseError("command", "MAIL requires FROM:")
	}
	rest = rest[len(prefix):]

	var route wire.Path
	var from wire.Email
	var body []byte
	if len(rest) > 0 && rest[0] == '<' {
		end := bytes.IndexByte(rest, '>')
		if end == -1 {
			return MailCmd{}, wire.ErrIncomplete
		}
		inner := rest[1:end]
		body = rest[end+1:]
		if len(inner) > 0 {
			// inner is a complete bracketed unit, so parse against a
			// sentinel: an Incomplete from the path grammar here means
			// malformed, not "wait for more bytes".
			n, r, perr := wire.ParsePath(withSentinel(inner))
			if perr == wire.ErrIncomplete {
				return MailCmd{}, wire.NewParseError("command", "malformed reverse-path")
			}
			if perr != nil {
				return MailCmd{}, perr
			}
			route = r
			inner = inner[n:]
			m, e, eerr := wire.ParseEmail(withSentinel(inner), string(rune(sentinel)))
			if eerr != nil {
				return MailCmd{}, eerr
			}
			if m != len(inner) {
				return MailCmd{}, wire.NewParseError("command", "trailing data inside reverse-path")
			}
			from = e
		}
		// empty inner ("<>") is the MAIL-only null sender: route and from stay zero
	} else {
		n, r, perr := wire.ParsePath(rest)
		if perr != nil && perr != wire.ErrIncomplete {
			return MailCmd{}, perr
		}
		route = r
		rest = rest[n:]
		m, e, eerr := wire.ParseEmail(withSentinel(rest), " \t"+string(rune(sentinel)))
		if eerr != nil {
			return MailCmd{}, eerr
		}
		from = e
		body = rest[m:]
	}
	params, err := parseTailParameters(body)
	if err != nil {
		return MailCmd{}, err
	}
	return MailCmd{Route: route, From: from, Params: params}, nil
}

// parseTailParameters parses the zero-or-more ESMTP parameters that may
// follow a MAIL/RCPT path, shared between both commands.
func parseTailParameters(body []byte) (wire.Parameters, error) {
	body = bytes.TrimLeft(body, " \t")
	if len(body) == 0 {
		return nil, nil
	}
	n, p, err := wire.ParseParameters(withSentinel(body), string(rune(sentinel)))
	if err != nil {
		return nil, err
	}
	if n != len(body) {
		return nil, wire.NewParseError("command", "trailing data after parameters")
	}
	return p, nil
}

func parseRcpt(rest []byte) (RcptCmd, error) {
	rest = bytes.TrimLeft(rest, " \t")
	const prefix = "TO:"
	if len(rest) < len(prefix) || !strings.EqualFold(string(rest[:len(prefix)]), prefix) {
		return RcptCmd{}, wire.NewParseError("command", "RCPT requires TO:")
	}
	rest = rest[len(prefix):]

	var route wire.Path
	var to wire.Email
	var body []byte
	if len(rest) > 0 && rest[0] == '<' {
		end := bytes.IndexByte(rest, '>')
		if end == -1 {
			return RcptCmd{}, wire.ErrIncomplete
		}
		inner := rest[1:end]
		body = rest[end+1:]
		if len(inner) == 0 {
			return RcptCmd{}, wire.NewParseError("command", "RCPT TO:<> is not permitted")
		}
		n, r, perr := wire.ParsePath(withSentinel(inner))
		if perr == wire.ErrIncomplete {
			return RcptCmd{}, wire.NewParseError("command", "malformed forward-path")
		}
		if perr != nil {
			return RcptCmd{}, perr
		}
		route = r
		inner = inner[n:]
		m, e, eerr := wire.ParseEmail(withSentinel(inner), string(rune(sentinel)))
		if eerr != nil {
			return RcptCmd{}, eerr
		}
		if m != len(inner) {
			return RcptCmd{}, wire.NewParseError("command", "trailing data inside forward-path")
		}
		to = e
	} else {
		n, r, perr := wire.ParsePath(rest)
		if perr != nil && perr != wire.ErrIncomplete {
			return RcptCmd{}, perr
		}
		route = r
		rest = rest[n:]
		m, e, eerr := wire.ParseEmail(withSentinel(rest), " \t"+string(rune(sentinel)))
		if eerr != nil {
			return RcptCmd{}, eerr
		}
		to = e
		body = rest[m:]
	}
	params, err := parseTailParameters(body)
	if err != nil {
		return RcptCmd{}, err
	}
	return RcptCmd{Route: route, To: to, Params: params}, nil
}
