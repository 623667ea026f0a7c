package domain

import (
	"bytes"
	"fmt"
	"strings"
)

// Version totally orders reads and mutations in the store.
//
// A snapshot read at version V reflects every commit whose version is
// strictly less than V.
type Version uint64

// KeyValue is one entry of a key range.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Equal reports whether two entries carry the same key and value.
func (kv KeyValue) Equal(other KeyValue) bool {
	return bytes.Equal(kv.Key, other.Key) && bytes.Equal(kv.Value, other.Value)
}

// KeyedState is the full content of a key range at one version.
// Keys are unique and sorted ascending. A KeyedState is never modified
// after it has been produced.
type KeyedState []KeyValue

// Validate checks that keys are strictly ascending.
func (s KeyedState) Validate() error {
	for i := 1; i < len(s); i++ {
		if bytes.Compare(s[i-1].Key, s[i].Key) >= 0 {
			return ErrProtocolViolation.WithDetails(fmt.Sprintf(
				"keys out of order at index %d: %s >= %s", i, Printable(s[i-1].Key), Printable(s[i].Key)))
		}
	}
	return nil
}

// KeyRange is the half-open key interval [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

// SystemKeyPrefix starts the reserved keyspace. Application data lives
// strictly below it.
const SystemKeyPrefix = "\xff"

// NormalKeys covers every application key.
var NormalKeys = KeyRange{Begin: []byte{}, End: []byte(SystemKeyPrefix)}

// Validate checks Begin <= End.
func (r KeyRange) Validate() error {
	if bytes.Compare(r.Begin, r.End) > 0 {
		return ErrInvalidRange.WithDetails(r.String())
	}
	return nil
}

// Contains reports whether key lies in [Begin, End).
func (r KeyRange) Contains(key []byte) bool {
	return bytes.Compare(key, r.Begin) >= 0 && bytes.Compare(key, r.End) < 0
}

// Empty reports whether the range contains no keys.
func (r KeyRange) Empty() bool {
	return bytes.Compare(r.Begin, r.End) >= 0
}

// Intersect returns the overlap of two ranges. The result may be empty.
func (r KeyRange) Intersect(other KeyRange) KeyRange {
	out := KeyRange{Begin: r.Begin, End: r.End}
	if bytes.Compare(other.Begin, out.Begin) > 0 {
		out.Begin = other.Begin
	}
	if bytes.Compare(other.End, out.End) < 0 {
		out.End = other.End
	}
	return out
}

// String renders the range in printable form.
func (r KeyRange) String() string {
	return "[" + Printable(r.Begin) + ", " + Printable(r.End) + ")"
}

// Printable renders b with non-printable bytes escaped as \xNN.
// Backslashes are doubled so the output round-trips through ParseKey.
func Printable(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c >= 32 && c < 127:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, `\x%02x`, c)
		}
	}
	return sb.String()
}

// ParseKey decodes the escaped form produced by Printable.
func ParseKey(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+1 >= len(s) {
			return nil, ErrInvalidArgument.WithDetails("trailing backslash in key " + s)
		}
		switch s[i+1] {
		case '\\':
			out = append(out, '\\')
			i++
		case 'x':
			if i+3 >= len(s) {
				return nil, ErrInvalidArgument.WithDetails("short \\x escape in key " + s)
			}
			hi, ok1 := unhex(s[i+2])
			lo, ok2 := unhex(s[i+3])
			if !ok1 || !ok2 {
				return nil, ErrInvalidArgument.WithDetails("bad \\x escape in key " + s)
			}
			out = append(out, hi<<4|lo)
			i += 3
		default:
			return nil, ErrInvalidArgument.WithDetails("unknown escape in key " + s)
		}
	}
	return out, nil
}

func unhex(c byte) (byte, bool) {
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
