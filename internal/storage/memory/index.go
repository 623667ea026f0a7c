package memory

import (
	"sort"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// feedLog is the retained mutation log of one change feed.
type feedLog struct {
	rng domain.KeyRange
	// registered is the first version the feed records.
	registered domain.Version
	// popped is the retained-log boundary.
	popped  domain.Version
	batches []domain.MutationBatch
}

// append records the part of a commit that falls inside the feed range.
func (l *feedLog) append(version domain.Version, mutations []domain.Mutation) {
	batch := domain.MutationBatch{Version: version}
	for _, m := range mutations {
		if clipped, ok := m.Clip(l.rng); ok {
			batch.Mutations = append(batch.Mutations, clipped)
		}
	}
	if len(batch.Mutations) > 0 {
		l.batches = append(l.batches, batch)
	}
}

// pop drops batches below through and returns how many were dropped.
func (l *feedLog) pop(through domain.Version) int {
	if through <= l.popped {
		return 0
	}
	l.popped = through
	i := sort.Search(len(l.batches), func(i int) bool {
		return l.batches[i].Version >= through
	})
	l.batches = append([]domain.MutationBatch(nil), l.batches[i:]...)
	return i
}

// window returns the batches in [begin, end), clipped to rng. The result
// shares no slice headers with the log.
func (l *feedLog) window(begin, end domain.Version, rng domain.KeyRange) []domain.MutationBatch {
	lo := sort.Search(len(l.batches), func(i int) bool {
		return l.batches[i].Version >= begin
	})
	var out []domain.MutationBatch
	for _, b := range l.batches[lo:] {
		if b.Version >= end {
			break
		}
		clipped := domain.MutationBatch{Version: b.Version}
		for _, m := range b.Mutations {
			if c, ok := m.Clip(rng); ok {
				clipped.Mutations = append(clipped.Mutations, c)
			}
		}
		if len(clipped.Mutations) > 0 {
			out = append(out, clipped)
		}
	}
	return out
}

// feedIndex maps feed IDs to their logs.
type feedIndex struct {
	logs map[domain.FeedID]*feedLog
}

func newFeedIndex() *feedIndex {
	return &feedIndex{logs: make(map[domain.FeedID]*feedLog)}
}

func (i *feedIndex) get(id domain.FeedID) (*feedLog, bool) {
	l, ok := i.logs[id]
	return l, ok
}

func (i *feedIndex) add(id domain.FeedID, l *feedLog) {
	i.logs[id] = l
}

// record appends a commit to every feed.
func (i *feedIndex) record(version domain.Version, mutations []domain.Mutation) {
	for _, l := range i.logs {
		l.append(version, mutations)
	}
}

// retained returns the number of batches held across all feeds.
func (i *feedIndex) retained() int {
	n := 0
	for _, l := range i.logs {
		n += len(l.batches)
	}
	return n
}

func (i *feedIndex) len() int {
	return len(i.logs)
}
