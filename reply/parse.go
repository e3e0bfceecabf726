package reply

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/vellum-mta/vellum/wire"
)

// Parse parses a complete multi-line Reply from input: zero or more
// continuation lines "CCC-text\r\n" followed by one terminator line
// "CCC text\r\n", all sharing the same code. If an enhanced code is
// present it must appear as "N.N.N " immediately after the separator on
// every line.
func Parse(input []byte) (consumed int, r Reply, err error) {
	pos := 0
	var codeStr string
	var enhanced *EnhancedReplyCode
	var lines []string

	for {
		lineEnd := bytes.Index(input[pos:], []byte("\r\n"))
		if lineEnd == -1 {
			return 0, Reply{}, wire.ErrIncomplete
		}
		line := input[pos : pos+lineEnd]
		if len(line) < 4 {
			return 0, Reply{}, wire.NewParseError("reply", "line shorter than 'CCC '")
		}
		thisCode := string(line[:3])
		if codeStr == "" {
			codeStr = thisCode
		} else if thisCode != codeStr {
			return 0, Reply{}, wire.NewParseError("reply", "reply code changed between lines")
		}
		sep := line[3]
		rest := line[4:]

		if enhanced == nil && codeStr != "" {
			if e, n, ok := tryParseEnhanced(rest); ok {
				enhanced = &e
				rest = rest[n:]
			}
		} else if enhanced != nil {
			e, n, ok := tryParseEnhanced(rest)
			if !ok || e != *enhanced {
				return 0, Reply{}, wire.NewParseError("reply", "enhanced code missing or changed on continuation line")
			}
			rest = rest[n:]
		}

		lines = append(lines, string(rest))
		pos += lineEnd + 2

		if sep == ' ' {
			break
		}
		if sep != '-' {
			return 0, Reply{}, wire.NewParseError("reply", "expected '-' or ' ' after reply code")
		}
	}

	n, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, Reply{}, wire.NewParseError("reply", "reply code is not numeric")
	}
	code, cerr := NewReplyCode(n)
	if cerr != nil {
		return 0, Reply{}, cerr
	}
	return pos, Reply{Code: code, Enhanced: enhanced, Lines: lines}, nil
}

// tryParseEnhanced attempts to parse a leading "N.N.N " from rest.
func tryParseEnhanced(rest []byte) (EnhancedReplyCode, int, bool) {
	s := string(rest)
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return EnhancedReplyCode{}, 0, false
	}
	fields := strings.Split(parts[0], ".")
	if len(fields) != 3 {
		return EnhancedReplyCode{}, 0, false
	}
	nums := make([]int, 3)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return EnhancedReplyCode{}, 0, false
		}
		nums[i] = v
	}
	if nums[0] != 2 && nums[0] != 4 && nums[0] != 5 {
		return EnhancedReplyCode{}, 0, false
	}
	return EnhancedReplyCode{Class: nums[0], Subject: nums[1], Detail: nums[2]}, len(parts[0]) + 1, true
}
