package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/infra/retry"
)

// System keyspace layout. Everything lives above domain.SystemKeyPrefix so
// that application ranges never observe it.
var (
	metaNextVersionKey = []byte("\xff/meta/next_version")
	feedRegPrefix      = []byte("\xff/cf/reg/")
	feedLogPrefix      = []byte("\xff/cf/log/")
)

// BadgerStore implements ReadWriter on Badger v3 in managed mode.
//
// Badger commit timestamps are the store versions. A read at version V
// uses Badger read timestamp V-1, which sees every commit below V.
// Commits are serialized; each one gets the next version and records its
// mutations, clipped, in the log of every overlapping feed within the same
// transaction.
type BadgerStore struct {
	db      *badger.DB
	cfg     BadgerConfig
	logger  *slog.Logger
	backoff *retry.Backoff

	mu    sync.Mutex
	next  domain.Version
	feeds map[domain.FeedID]FeedRecord

	closed     atomic.Bool
	lastGCTime atomic.Int64 // Unix milliseconds

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerStore opens a BadgerStore and recovers its version and feed
// registry.
func NewBadgerStore(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SnapshotChunkSize <= 0 {
		cfg.SnapshotChunkSize = DefaultSnapshotChunkSize
	}
	if cfg.FeedChunkSize <= 0 {
		cfg.FeedChunkSize = DefaultFeedChunkSize
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.BlockCacheSize = cfg.CacheSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumMemtables = cfg.NumMemtables
	opts.SyncWrites = cfg.SyncWrites
	opts.DetectConflicts = false

	db, err := badger.OpenManaged(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	s := &BadgerStore{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		backoff: retry.DefaultBackoff(),
		next:    1,
		feeds:   make(map[domain.FeedID]FeedRecord),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}

	go s.gcLoop()

	logger.Info("badger store started",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"next_version", uint64(s.next),
		"feeds", len(s.feeds))

	return s, nil
}

// recover loads the next version and the feed registry.
func (s *BadgerStore) recover() error {
	txn := s.db.NewTransactionAt(math.MaxUint64, false)
	defer txn.Discard()

	item, err := txn.Get(metaNextVersionKey)
	switch {
	case err == nil:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("badger: read next version: %w", err)
		}
		if len(raw) != 8 {
			return fmt.Errorf("badger: %w: next version", ErrCorruptedRecord)
		}
		s.next = domain.Version(binary.BigEndian.Uint64(raw))
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return fmt.Errorf("badger: read next version: %w", err)
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = feedRegPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("badger: read feed: %w", err)
		}
		rec, err := DecodeFeed(raw)
		if err != nil {
			return fmt.Errorf("badger: decode feed %q: %w", item.Key(), err)
		}
		id := domain.FeedID(bytes.TrimPrefix(item.KeyCopy(nil), feedRegPrefix))
		s.feeds[id] = rec
	}
	return nil
}

// commitLocked runs fn in a write transaction at the next version and
// commits it. Caller holds s.mu.
func (s *BadgerStore) commitLocked(fn func(txn *badger.Txn, version domain.Version) error) (domain.Version, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	version := s.next
	txn := s.db.NewTransactionAt(uint64(version-1), true)
	defer txn.Discard()

	if err := fn(txn, version); err != nil {
		return 0, err
	}

	var nextBuf [8]byte
	binary.BigEndian.PutUint64(nextBuf[:], uint64(version+1))
	if err := txn.Set(metaNextVersionKey, nextBuf[:]); err != nil {
		return 0, classifyBadger(err)
	}
	if err := txn.CommitAt(uint64(version), nil); err != nil {
		return 0, classifyBadger(err)
	}
	s.next = version + 1
	return version, nil
}

// Commit implements Writer.
func (s *BadgerStore) Commit(ctx context.Context, mutations []domain.Mutation) (domain.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, m := range mutations {
		if err := validateWrite(m); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(txn *badger.Txn, version domain.Version) error {
		for _, m := range mutations {
			switch m.Kind {
			case domain.MutationSet:
				if err := txn.Set(cloneBytes(m.Param1), cloneBytes(m.Param2)); err != nil {
					return classifyBadger(err)
				}
			case domain.MutationClearRange:
				clipped, ok := m.Clip(domain.NormalKeys)
				if !ok {
					continue
				}
				if err := clearBadgerRange(txn, clipped.Param1, clipped.Param2); err != nil {
					return err
				}
			}
		}

		for id, feed := range s.feeds {
			batch := clipBatch(domain.MutationBatch{Version: version, Mutations: mutations}, feed.Range)
			if len(batch.Mutations) == 0 {
				continue
			}
			if err := txn.Set(feedLogKey(id, version), EncodeBatch(batch)); err != nil {
				return classifyBadger(err)
			}
		}
		return nil
	})
}

func clearBadgerRange(txn *badger.Txn, begin, end []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var doomed [][]byte
	for it.Seek(begin); it.Valid(); it.Next() {
		key := it.Item().Key()
		if bytes.Compare(key, end) >= 0 {
			break
		}
		doomed = append(doomed, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range doomed {
		if err := txn.Delete(key); err != nil {
			return classifyBadger(err)
		}
	}
	return nil
}

// ReadSnapshot implements Store.
func (s *BadgerStore) ReadSnapshot(ctx context.Context, rng domain.KeyRange) (SnapshotStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	version := s.next
	s.mu.Unlock()

	txn := s.db.NewTransactionAt(uint64(version-1), false)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	it.Seek(rng.Begin)

	// Application ranges never reach into the system keyspace.
	end := rng.End
	if bytes.Compare(end, domain.NormalKeys.End) > 0 {
		end = domain.NormalKeys.End
	}

	return &badgerSnapshotStream{
		txn:       txn,
		it:        it,
		version:   version,
		end:       end,
		chunkSize: s.cfg.SnapshotChunkSize,
	}, nil
}

type badgerSnapshotStream struct {
	txn       *badger.Txn
	it        *badger.Iterator
	version   domain.Version
	end       []byte
	chunkSize int
	closed    bool
}

func (st *badgerSnapshotStream) Version() domain.Version {
	return st.version
}

func (st *badgerSnapshotStream) Next(ctx context.Context) ([]domain.KeyValue, error) {
	if st.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunk []domain.KeyValue
	for ; st.it.Valid() && len(chunk) < st.chunkSize; st.it.Next() {
		item := st.it.Item()
		if bytes.Compare(item.Key(), st.end) >= 0 {
			break
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, classifyBadger(err)
		}
		chunk = append(chunk, domain.KeyValue{Key: item.KeyCopy(nil), Value: value})
	}
	if len(chunk) == 0 {
		return nil, ErrEndOfStream
	}
	return chunk, nil
}

func (st *badgerSnapshotStream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.it.Close()
	st.txn.Discard()
	return nil
}

// RegisterChangeFeed implements Store.
func (s *BadgerStore) RegisterChangeFeed(ctx context.Context, id domain.FeedID, rng domain.KeyRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rng.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[id]; ok {
		return domain.ErrFeedConflict.WithDetails(string(id))
	}

	var rec FeedRecord
	_, err := s.commitLocked(func(txn *badger.Txn, version domain.Version) error {
		rec = FeedRecord{
			Range:      domain.KeyRange{Begin: cloneBytes(rng.Begin), End: cloneBytes(rng.End)},
			Registered: version + 1,
			Popped:     version + 1,
		}
		return classifyBadger(txn.Set(feedRegKey(id), EncodeFeed(rec)))
	})
	if err != nil {
		return err
	}
	s.feeds[id] = rec

	s.logger.Info("change feed registered",
		"feed_id", string(id),
		"range", rng.String(),
		"registered_version", uint64(rec.Registered))
	return nil
}

// ChangeFeedStream implements Store.
func (s *BadgerStore) ChangeFeedStream(ctx context.Context, id domain.FeedID, begin, end domain.Version, rng domain.KeyRange) (MutationStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	feed, ok := s.feeds[id]
	next := s.next
	s.mu.Unlock()

	if err := checkFeedRead(id, feed, ok, begin, end, next); err != nil {
		return nil, err
	}

	txn := s.db.NewTransactionAt(uint64(next-1), false)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	it.Seek(feedLogKey(id, begin))

	return &badgerFeedStream{
		txn:       txn,
		it:        it,
		prefix:    feedLogPrefixFor(id),
		end:       end,
		rng:       rng.Intersect(feed.Range),
		chunkSize: s.cfg.FeedChunkSize,
	}, nil
}

type badgerFeedStream struct {
	txn       *badger.Txn
	it        *badger.Iterator
	prefix    []byte
	end       domain.Version
	rng       domain.KeyRange
	chunkSize int
	closed    bool
}

func (st *badgerFeedStream) Next(ctx context.Context) ([]domain.MutationBatch, error) {
	if st.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunk []domain.MutationBatch
	for ; st.it.ValidForPrefix(st.prefix) && len(chunk) < st.chunkSize; st.it.Next() {
		item := st.it.Item()
		version := domain.Version(binary.BigEndian.Uint64(item.Key()[len(st.prefix):]))
		if version >= st.end {
			break
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return nil, classifyBadger(err)
		}
		batch, err := DecodeBatch(raw)
		if err != nil {
			return nil, domain.ErrStorageError.WithCause(err)
		}
		batch = clipBatch(batch, st.rng)
		if len(batch.Mutations) == 0 {
			continue
		}
		chunk = append(chunk, batch)
	}
	if len(chunk) == 0 {
		return nil, ErrEndOfStream
	}
	return chunk, nil
}

func (st *badgerFeedStream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.it.Close()
	st.txn.Discard()
	return nil
}

// PopChangeFeedMutations implements Store.
func (s *BadgerStore) PopChangeFeedMutations(ctx context.Context, id domain.FeedID, through domain.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[id]
	if !ok {
		return domain.ErrFeedNotRegistered.WithDetails(string(id))
	}
	if through <= feed.Popped {
		return nil
	}

	deleted := 0
	_, err := s.commitLocked(func(txn *badger.Txn, _ domain.Version) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = feedLogPrefixFor(id)
		it := txn.NewIterator(opts)

		var doomed [][]byte
		limit := feedLogKey(id, through)
		for it.Rewind(); it.Valid(); it.Next() {
			if bytes.Compare(it.Item().Key(), limit) >= 0 {
				break
			}
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return classifyBadger(err)
			}
		}
		deleted = len(doomed)

		feed.Popped = through
		return classifyBadger(txn.Set(feedRegKey(id), EncodeFeed(feed)))
	})
	if err != nil {
		return err
	}
	s.feeds[id] = feed
	s.advanceDiscardLocked()

	s.logger.Debug("change feed popped",
		"feed_id", string(id),
		"through", uint64(through),
		"deleted", deleted)
	return nil
}

// advanceDiscardLocked lets Badger drop versions no feed can still need.
func (s *BadgerStore) advanceDiscardLocked() {
	low := s.next - 1
	for _, feed := range s.feeds {
		if feed.Popped-1 < low {
			low = feed.Popped - 1
		}
	}
	s.db.SetDiscardTs(uint64(low))
}

// OnError implements Store. Transient failures wait out the backoff for
// the attempt retry.Do is classifying, so delays grow across retries.
func (s *BadgerStore) OnError(ctx context.Context, err error) error {
	if !isTransientBadger(err) {
		return err
	}
	return retry.Sleep(ctx, s.backoff.Delay(retry.Attempt(ctx)))
}

// Feeds returns a copy of the feed registry.
func (s *BadgerStore) Feeds() map[domain.FeedID]FeedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.FeedID]FeedRecord, len(s.feeds))
	for id, rec := range s.feeds {
		out[id] = rec
	}
	return out
}

// FeedCount returns the number of registered feeds.
func (s *BadgerStore) FeedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// RetainedBatches counts feed log entries not yet popped.
func (s *BadgerStore) RetainedBatches() int {
	if s.closed.Load() {
		return 0
	}
	txn := s.db.NewTransactionAt(math.MaxUint64, false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = feedLogPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// Version returns the current read version.
func (s *BadgerStore) Version() domain.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close shuts down the store.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("shutting down badger store")

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}

	s.logger.Info("badger store shutdown complete")
	return nil
}

// RegisterMetrics registers store gauges with Prometheus.
func (s *BadgerStore) RegisterMetrics(reg prometheus.Registerer) *BadgerStore {
	sizes := func(pick func(lsm, vlog int64) int64) func() float64 {
		return func() float64 {
			if s.closed.Load() {
				return 0
			}
			lsm, vlog := s.db.Size()
			return float64(pick(lsm, vlog))
		}
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "feedcheck",
			Subsystem: "badger",
			Name:      "lsm_size_bytes",
			Help:      "Badger LSM tree size in bytes",
		}, sizes(func(lsm, _ int64) int64 { return lsm })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "feedcheck",
			Subsystem: "badger",
			Name:      "value_log_size_bytes",
			Help:      "Badger value log size in bytes",
		}, sizes(func(_, vlog int64) int64 { return vlog })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "feedcheck",
			Subsystem: "badger",
			Name:      "last_gc_timestamp_seconds",
			Help:      "Unix timestamp of the last value log GC run",
		}, func() float64 { return float64(s.lastGCTime.Load()) / 1000.0 }),
	)
	return s
}

// gcLoop runs periodic value log garbage collection.
func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)

	if s.cfg.InMemory || s.cfg.GCInterval <= 0 {
		<-s.stopCh
		return
	}

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			runs := 0
			for {
				err := s.db.RunValueLogGC(s.cfg.GCThreshold)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Error("value log gc failed", "error", err)
					}
					break
				}
				runs++
			}
			s.lastGCTime.Store(time.Now().UnixMilli())
			s.logger.Debug("value log gc completed", "rewrites", runs, "elapsed", time.Since(start))

		case <-s.stopCh:
			return
		}
	}
}

// validateWrite rejects mutations the writer may not issue.
func validateWrite(m domain.Mutation) error {
	switch m.Kind {
	case domain.MutationSet:
		if !domain.NormalKeys.Contains(m.Param1) {
			return domain.ErrInvalidArgument.WithDetails("set outside normal keys: " + domain.Printable(m.Param1))
		}
	case domain.MutationClearRange:
	default:
		return domain.ErrInvalidArgument.WithDetails("unknown mutation kind " + m.Kind.String())
	}
	return nil
}

// checkFeedRead validates a feed read against the registry.
func checkFeedRead(id domain.FeedID, feed FeedRecord, ok bool, begin, end, next domain.Version) error {
	if !ok {
		return domain.ErrFeedNotRegistered.WithDetails(string(id))
	}
	if begin > end {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("begin %d after end %d", begin, end))
	}
	if end > next {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("end %d beyond read version %d", end, next))
	}
	if feed.Popped > feed.Registered && begin < feed.Popped {
		return domain.ErrFeedPopped.WithDetails(fmt.Sprintf("feed %s popped through %d, read from %d", id, feed.Popped, begin))
	}
	return nil
}

// clipBatch restricts a batch to rng, dropping mutations outside it.
func clipBatch(b domain.MutationBatch, rng domain.KeyRange) domain.MutationBatch {
	out := domain.MutationBatch{Version: b.Version}
	for _, m := range b.Mutations {
		if clipped, ok := m.Clip(rng); ok {
			out.Mutations = append(out.Mutations, clipped)
		}
	}
	return out
}

func feedRegKey(id domain.FeedID) []byte {
	return append(append([]byte{}, feedRegPrefix...), id...)
}

func feedLogPrefixFor(id domain.FeedID) []byte {
	out := append(append([]byte{}, feedLogPrefix...), id...)
	return append(out, '/')
}

func feedLogKey(id domain.FeedID, version domain.Version) []byte {
	out := feedLogPrefixFor(id)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], uint64(version))
	return append(out, vbuf[:]...)
}

// classifyBadger marks retryable Badger failures as transient.
func classifyBadger(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return domain.ErrTransient.WithCause(err)
	}
	return err
}

func isTransientBadger(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, badger.ErrConflict)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
