package verify

import (
	"bytes"
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// Diff is one index where the predicted and observed states disagree.
type Diff struct {
	Index          int
	PredictedKey   []byte
	ObservedKey    []byte
	PredictedValue []byte
	ObservedValue  []byte
}

// Report is the outcome of Compare.
type Report struct {
	PredictedSize int
	ObservedSize  int
	// Diffs lists every differing index. It is empty when the sizes differ
	// because elements are not compared in that case.
	Diffs []Diff
}

// Match is the verdict: sizes equal and no element differs.
func (r Report) Match() bool {
	return r.PredictedSize == r.ObservedSize && len(r.Diffs) == 0
}

// SizeMismatch reports whether the states have different lengths.
func (r Report) SizeMismatch() bool {
	return r.PredictedSize != r.ObservedSize
}

// Compare checks predicted against observed.
func Compare(predicted, observed domain.KeyedState) Report {
	r := Report{
		PredictedSize: len(predicted),
		ObservedSize:  len(observed),
	}
	if r.SizeMismatch() {
		return r
	}
	for i := range predicted {
		p, o := predicted[i], observed[i]
		if p.Equal(o) {
			continue
		}
		r.Diffs = append(r.Diffs, Diff{
			Index:          i,
			PredictedKey:   p.Key,
			ObservedKey:    o.Key,
			PredictedValue: p.Value,
			ObservedValue:  o.Value,
		})
	}
	return r
}

// Fingerprint returns a 128-bit murmur3 digest of a state.
// Equal states always produce equal fingerprints.
func Fingerprint(state domain.KeyedState) [16]byte {
	h := murmur3.New128()
	var lenBuf [binary.MaxVarintLen64]byte
	for _, kv := range state {
		n := binary.PutUvarint(lenBuf[:], uint64(len(kv.Key)))
		h.Write(lenBuf[:n])
		h.Write(kv.Key)
		n = binary.PutUvarint(lenBuf[:], uint64(len(kv.Value)))
		h.Write(lenBuf[:n])
		h.Write(kv.Value)
	}
	var out [16]byte
	hi, lo := h.Sum128()
	binary.BigEndian.PutUint64(out[:8], hi)
	binary.BigEndian.PutUint64(out[8:], lo)
	return out
}

// Equal reports whether two states are identical.
func Equal(a, b domain.KeyedState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Key, b[i].Key) || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
