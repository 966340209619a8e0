package main

import (
	"strings"
	"unicode/utf8"
)

// sanitize strips what other users could use to rewrite the terminal:
// escape sequences, control characters and bidi overrides. Newlines in
// message bodies become spaces so each message stays on one line.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteRune(utf8.RuneError)
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r == 0x1B:
			i = skipEscape(s, i)
		case isControlRune(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// skipEscape returns the index after the escape sequence whose ESC ended at
// i. CSI sequences run to their final byte; OSC ones to BEL or ST.
func skipEscape(s string, i int) int {
	if i >= len(s) {
		return i
	}
	switch s[i] {
	case '[':
		for i++; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7E {
				return i + 1
			}
		}
		return i
	case ']':
		for i++; i < len(s); i++ {
			if s[i] == 0x07 {
				return i + 1
			}
			if s[i] == 0x1B && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2
			}
		}
		return i
	}
	return i + 1
}

func isControlRune(r rune) bool {
	switch {
	// C0 and DEL.
	case r < 0x20 || r == 0x7F:
		return true
	// C1.
	case r >= 0x80 && r <= 0x9F:
		return true
	// Bidi embeddings, overrides and isolates.
	case r >= 0x202A && r <= 0x202E:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	default:
		return false
	}
}
