package logger

import (
	"fmt"
	"log/slog"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// DefaultMaxValueLen is the length beyond which values are cut. Byte
// values are measured before escaping.
const DefaultMaxValueLen = 256

// formatAttr renders []byte values in escaped printable form and truncates
// long strings. Keys and values in this program are arbitrary bytes; the
// JSON handler would otherwise base64 them.
func formatAttr(a slog.Attr, maxLen int) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		if s := a.Value.String(); len(s) > maxLen {
			return slog.String(a.Key, truncate(s, maxLen))
		}
	case slog.KindAny:
		if b, ok := a.Value.Any().([]byte); ok {
			return slog.String(a.Key, truncateBytes(b, maxLen))
		}
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = formatAttr(attr, maxLen)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

// truncate cuts s to maxLen and notes how much was dropped.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s...(%d more bytes)", s[:maxLen], len(s)-maxLen)
}

// truncateBytes cuts b to maxLen raw bytes and escapes the rest, so the cut
// never splits an escape sequence.
func truncateBytes(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return domain.Printable(b)
	}
	return fmt.Sprintf("%s...(%d more bytes)", domain.Printable(b[:maxLen]), len(b)-maxLen)
}

// Bytes renders b as a printable string attribute.
func Bytes(key string, b []byte) slog.Attr {
	return slog.String(key, domain.Printable(b))
}
