package verify

import (
	"bytes"
	"fmt"

	"github.com/google/btree"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// btreeDegree is the fan-out of the working map.
const btreeDegree = 32

// Stats describes the work done by Reconstruct.
type Stats struct {
	Batches   int
	Mutations int
	Sets      int
	Clears    int
	// Cleared counts keys removed by ClearRange mutations.
	Cleared int
}

func lessKeyValue(a, b domain.KeyValue) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// Reconstruct applies batches, in order, to base and returns the
// predicted state.
//
// Batch versions must be strictly increasing. An unrecognized mutation
// kind returns domain.ErrUnknownMutation and no state.
func Reconstruct(base domain.KeyedState, batches []domain.MutationBatch) (domain.KeyedState, Stats, error) {
	var stats Stats

	data := btree.NewG[domain.KeyValue](btreeDegree, lessKeyValue)
	for _, kv := range base {
		data.ReplaceOrInsert(kv)
	}

	for i, batch := range batches {
		if i > 0 && batch.Version <= batches[i-1].Version {
			return nil, stats, domain.ErrProtocolViolation.WithDetails(fmt.Sprintf(
				"batch %d version %d not after %d", i, batch.Version, batches[i-1].Version))
		}
		for j, m := range batch.Mutations {
			switch m.Kind {
			case domain.MutationSet:
				data.ReplaceOrInsert(domain.KeyValue{Key: m.Param1, Value: m.Param2})
				stats.Sets++
			case domain.MutationClearRange:
				stats.Cleared += clearRange(data, m.Param1, m.Param2)
				stats.Clears++
			default:
				return nil, stats, domain.ErrUnknownMutation.WithDetails(fmt.Sprintf(
					"kind %d at version %d index %d", uint8(m.Kind), batch.Version, j))
			}
			stats.Mutations++
		}
		stats.Batches++
	}

	out := make(domain.KeyedState, 0, data.Len())
	data.Ascend(func(kv domain.KeyValue) bool {
		out = append(out, kv)
		return true
	})
	return out, stats, nil
}

// clearRange deletes every key in [begin, end) and returns how many were
// removed.
func clearRange(data *btree.BTreeG[domain.KeyValue], begin, end []byte) int {
	if bytes.Compare(begin, end) >= 0 {
		return 0
	}
	var doomed []domain.KeyValue
	data.AscendRange(domain.KeyValue{Key: begin}, domain.KeyValue{Key: end}, func(kv domain.KeyValue) bool {
		doomed = append(doomed, kv)
		return true
	})
	for _, kv := range doomed {
		data.Delete(kv)
	}
	return len(doomed)
}
