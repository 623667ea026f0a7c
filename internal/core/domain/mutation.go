package domain

import "fmt"

// MutationKind tags a Mutation.
type MutationKind uint8

const (
	// MutationUnspecified is never produced by a conforming store.
	MutationUnspecified MutationKind = iota
	// MutationSet overwrites Param1 with the value Param2.
	MutationSet
	// MutationClearRange removes every key in [Param1, Param2).
	MutationClearRange
)

// String returns the kind name.
func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "set"
	case MutationClearRange:
		return "clear_range"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Mutation is one entry of the change-feed log.
type Mutation struct {
	Kind   MutationKind
	Param1 []byte
	Param2 []byte
}

// Set builds a Set mutation.
func Set(key, value []byte) Mutation {
	return Mutation{Kind: MutationSet, Param1: key, Param2: value}
}

// ClearRange builds a ClearRange mutation over [begin, end).
func ClearRange(begin, end []byte) Mutation {
	return Mutation{Kind: MutationClearRange, Param1: begin, Param2: end}
}

// String renders the mutation for diagnostics.
func (m Mutation) String() string {
	switch m.Kind {
	case MutationSet:
		return "set(" + Printable(m.Param1) + ", " + Printable(m.Param2) + ")"
	case MutationClearRange:
		return "clear_range(" + Printable(m.Param1) + ", " + Printable(m.Param2) + ")"
	default:
		return m.Kind.String()
	}
}

// Clip restricts the mutation to rng. The second result is false when
// nothing of the mutation falls inside rng. Unrecognized kinds are
// returned unchanged so that consumers can reject them.
func (m Mutation) Clip(rng KeyRange) (Mutation, bool) {
	switch m.Kind {
	case MutationSet:
		return m, rng.Contains(m.Param1)
	case MutationClearRange:
		clipped := rng.Intersect(KeyRange{Begin: m.Param1, End: m.Param2})
		if clipped.Empty() {
			return Mutation{}, false
		}
		return ClearRange(clipped.Begin, clipped.End), true
	default:
		return m, true
	}
}

// MutationBatch holds the mutations committed at one version, in apply
// order.
type MutationBatch struct {
	Version   Version
	Mutations []Mutation
}
