// Package util holds small helpers shared across the engine.
package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewID returns a random identifier, optionally namespaced by a prefix.
// Used for render attempts and editor sessions; comment ids use UUIDs.
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// DataURL encodes content as a data URL for headless-browser navigation.
// url.QueryEscape is unsuitable here: data URLs need %20 for spaces, not +.
func DataURL(mime, content string) string {
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";charset=utf-8,")
	for _, r := range content {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			b.WriteRune(r)
		default:
			for _, c := range []byte(string(r)) {
				fmt.Fprintf(&b, "%%%02X", c)
			}
		}
	}
	return b.String()
}
