package domain

import (
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// FeedIDPrefix prefixes every generated feed identifier.
const FeedIDPrefix = "cf-"

// FeedID identifies one change-feed subscription. A fresh identifier is
// generated for every run and never reused.
type FeedID string

// NewFeedID generates a FeedID from a ULID.
// Entropy is injected so that seeded runs produce the same identifiers.
func NewFeedID(entropy io.Reader, now time.Time) (FeedID, error) {
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return FeedID(FeedIDPrefix + strings.ToLower(id.String())), nil
}

// Validate checks the identifier format.
func (id FeedID) Validate() error {
	s := string(id)
	if !strings.HasPrefix(s, FeedIDPrefix) {
		return ErrInvalidArgument.WithDetails("feed id must start with " + FeedIDPrefix)
	}
	if _, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(s, FeedIDPrefix))); err != nil {
		return ErrInvalidArgument.WithDetails("feed id: " + err.Error())
	}
	return nil
}

// String returns the identifier.
func (id FeedID) String() string {
	return string(id)
}
