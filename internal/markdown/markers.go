package markdown

import (
	"fmt"
	"strings"
)

// Comment span markers ride inside angle brackets so they parse as inline
// autolinks. Anything in the id that could terminate the container (spaces,
// angle brackets, control characters) is percent-encoded before
// substitution and decoded on extraction.

// EscapeAnchorID percent-encodes a comment id for embedding in a span
// marker. Unreserved URL characters pass through untouched.
func EscapeAnchorID(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// UnescapeAnchorID reverses EscapeAnchorID. Malformed escapes are kept
// literally rather than dropped so a damaged marker still yields a stable
// (if odd) id instead of silently colliding with another.
func UnescapeAnchorID(escaped string) string {
	var b strings.Builder
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		if c == '%' && i+2 < len(escaped) {
			if hi, ok1 := hexVal(escaped[i+1]); ok1 {
				if lo, ok2 := hexVal(escaped[i+2]); ok2 {
					b.WriteByte(hi<<4 | lo)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func commentStartMarker(id string) string {
	return "<comment-start:" + EscapeAnchorID(id) + ">"
}

func commentEndMarker(id string) string {
	return "<comment-end:" + EscapeAnchorID(id) + ">"
}
