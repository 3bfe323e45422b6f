package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts text read from the legacy stores (WIN1252, the charset
// the desktop application writes) to a trimmed UTF-8 string. Bytes that
// already form valid UTF-8 pass through untouched so rows written by the
// engine itself are not double-decoded.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails (better than crashing)
		return strings.TrimSpace(string(b))
	}

	return strings.TrimSpace(string(decoded))
}
