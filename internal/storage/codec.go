package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// Errors for record decoding.
var (
	ErrCorruptedRecord   = errors.New("storage: corrupted record")
	ErrChecksumMismatch  = errors.New("storage: checksum mismatch")
	ErrInvalidRecordType = errors.New("storage: invalid record type")
)

// RecordType identifies the payload of a stored frame.
type RecordType uint8

const (
	RecordTypeUnspecified RecordType = iota
	RecordTypeBatch
	RecordTypeFeed
)

// FeedRecord is the persisted registration of a change feed.
type FeedRecord struct {
	Range domain.KeyRange
	// Registered is the first version the feed records.
	Registered domain.Version
	// Popped is the retained-log boundary; batches below it are gone.
	Popped domain.Version
}

// Field numbers of the protowire payloads.
const (
	fieldBatchVersion  protowire.Number = 1
	fieldBatchMutation protowire.Number = 2

	fieldMutationKind   protowire.Number = 1
	fieldMutationParam1 protowire.Number = 2
	fieldMutationParam2 protowire.Number = 3

	fieldFeedBegin      protowire.Number = 1
	fieldFeedEnd        protowire.Number = 2
	fieldFeedRegistered protowire.Number = 3
	fieldFeedPopped     protowire.Number = 4
)

// EncodeBatch encodes a mutation batch as a checksummed frame.
// Mutation kinds are stored verbatim; validation is the consumer's job.
func EncodeBatch(b domain.MutationBatch) []byte {
	var payload []byte
	payload = protowire.AppendTag(payload, fieldBatchVersion, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(b.Version))
	for _, m := range b.Mutations {
		var mb []byte
		mb = protowire.AppendTag(mb, fieldMutationKind, protowire.VarintType)
		mb = protowire.AppendVarint(mb, uint64(m.Kind))
		mb = protowire.AppendTag(mb, fieldMutationParam1, protowire.BytesType)
		mb = protowire.AppendBytes(mb, m.Param1)
		mb = protowire.AppendTag(mb, fieldMutationParam2, protowire.BytesType)
		mb = protowire.AppendBytes(mb, m.Param2)

		payload = protowire.AppendTag(payload, fieldBatchMutation, protowire.BytesType)
		payload = protowire.AppendBytes(payload, mb)
	}
	return encodeFrame(RecordTypeBatch, payload)
}

// DecodeBatch decodes a frame produced by EncodeBatch.
func DecodeBatch(frame []byte) (domain.MutationBatch, error) {
	var out domain.MutationBatch
	payload, err := decodeFrame(frame, RecordTypeBatch)
	if err != nil {
		return out, err
	}

	err = walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldBatchVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			out.Version = domain.Version(v)
			return n, nil
		case num == fieldBatchMutation && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			m, err := decodeMutation(raw)
			if err != nil {
				return 0, err
			}
			out.Mutations = append(out.Mutations, m)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return out, err
}

func decodeMutation(raw []byte) (domain.Mutation, error) {
	var m domain.Mutation
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMutationKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = domain.MutationKind(v)
			return n, nil
		case num == fieldMutationParam1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Param1 = cloneBytes(v)
			return n, nil
		case num == fieldMutationParam2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Param2 = cloneBytes(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// EncodeFeed encodes a feed registration as a checksummed frame.
func EncodeFeed(f FeedRecord) []byte {
	var payload []byte
	payload = protowire.AppendTag(payload, fieldFeedBegin, protowire.BytesType)
	payload = protowire.AppendBytes(payload, f.Range.Begin)
	payload = protowire.AppendTag(payload, fieldFeedEnd, protowire.BytesType)
	payload = protowire.AppendBytes(payload, f.Range.End)
	payload = protowire.AppendTag(payload, fieldFeedRegistered, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(f.Registered))
	payload = protowire.AppendTag(payload, fieldFeedPopped, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(f.Popped))
	return encodeFrame(RecordTypeFeed, payload)
}

// DecodeFeed decodes a frame produced by EncodeFeed.
func DecodeFeed(frame []byte) (FeedRecord, error) {
	var out FeedRecord
	payload, err := decodeFrame(frame, RecordTypeFeed)
	if err != nil {
		return out, err
	}

	err = walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldFeedBegin && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			out.Range.Begin = cloneBytes(v)
			return n, nil
		case num == fieldFeedEnd && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			out.Range.End = cloneBytes(v)
			return n, nil
		case num == fieldFeedRegistered && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			out.Registered = domain.Version(v)
			return n, nil
		case num == fieldFeedPopped && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			out.Popped = domain.Version(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return out, err
}

// walkFields calls fn for every field of a protowire message. fn consumes
// the field value and returns the number of bytes read (negative on a
// wire error).
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptedRecord, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// Frame layout: [crc32:4][type:1][payload...]
func encodeFrame(typ RecordType, payload []byte) []byte {
	out := make([]byte, 5, 5+len(payload))
	out[4] = byte(typ)
	out = append(out, payload...)
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(out[4:]))
	return out
}

func decodeFrame(frame []byte, want RecordType) ([]byte, error) {
	if len(frame) < 5 {
		return nil, ErrCorruptedRecord
	}
	if crc32.ChecksumIEEE(frame[4:]) != binary.BigEndian.Uint32(frame[:4]) {
		return nil, ErrChecksumMismatch
	}
	if RecordType(frame[4]) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidRecordType, frame[4], want)
	}
	return frame[5:], nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
