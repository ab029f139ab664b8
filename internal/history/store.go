// Package history keeps a bounded, queryable record of upstream exchanges.
//
// Writers serialize on a mutex and publish an immutable snapshot through
// an atomic pointer. Readers only load the pointer, so a query never waits
// on an append and never sees a partially written record. Persistence runs
// in order on a background writer, outside the mutex.
package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/wpsrelay/internal/models"
)

// DefaultCapacity is used when Options.Capacity is not positive.
const DefaultCapacity = 1000

// Persister durably mirrors the store. Methods are called from a single
// goroutine, in append order.
type Persister interface {
	Insert(rec *models.HistoryRecord) error
	DeleteBefore(id int64) error
	Clear() error
	Recent(limit int) ([]models.HistoryRecord, error)
}

// Options configures a Store.
type Options struct {
	Capacity  int
	MaxAge    time.Duration
	Persister Persister
	Logger    *zap.Logger
	Now       func() time.Time
}

// snapshot holds records oldest first.
type snapshot struct {
	records []models.HistoryRecord
}

// Store is a capacity-bounded history of exchanges.
type Store struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	nextID int64

	capacity  int
	maxAge    time.Duration
	persister Persister
	writer    *writer
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		nextID:    1,
		capacity:  opts.Capacity,
		maxAge:    opts.MaxAge,
		persister: opts.Persister,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	s.snap.Store(&snapshot{})
	if s.persister != nil {
		s.writer = newWriter(s.persister, s.logger)
	}
	return s
}

// Capacity returns the maximum number of records retained.
func (s *Store) Capacity() int { return s.capacity }

// Restore loads the most recent records from the persister. It is meant to
// be called once before the store is used.
func (s *Store) Restore() error {
	if s.persister == nil {
		return nil
	}
	recent, err := s.persister.Recent(s.capacity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff()
	records := make([]models.HistoryRecord, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		if !cutoff.IsZero() && recent[i].StartedAt.Before(cutoff) {
			continue
		}
		records = append(records, recent[i])
	}
	if len(recent) > 0 && recent[0].ID >= s.nextID {
		s.nextID = recent[0].ID + 1
	}
	s.snap.Store(&snapshot{records: records})
	return nil
}

// Append assigns the next ID to rec, stores it and evicts the oldest
// records beyond capacity or age in the same critical section.
func (s *Store) Append(rec models.HistoryRecord) models.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++

	old := s.snap.Load().records
	start := 0
	if over := len(old) + 1 - s.capacity; over > 0 {
		start = over
	}
	if cutoff := s.cutoff(); !cutoff.IsZero() {
		for start < len(old) && old[start].StartedAt.Before(cutoff) {
			start++
		}
	}

	records := make([]models.HistoryRecord, 0, len(old)-start+1)
	records = append(records, old[start:]...)
	records = append(records, rec)
	s.snap.Store(&snapshot{records: records})

	if s.writer != nil {
		s.writer.enqueue(persistOp{kind: opInsert, rec: rec})
		if start > 0 {
			s.writer.enqueue(persistOp{kind: opTrim, keepFrom: records[0].ID})
		}
	}
	return rec
}

// Record implements the dispatcher's recorder hook.
func (s *Store) Record(_ context.Context, rec models.HistoryRecord) models.HistoryRecord {
	return s.Append(rec)
}

// Clear removes every record.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	n := len(s.snap.Load().records)
	s.snap.Store(&snapshot{})
	var done chan error
	if s.writer != nil {
		done = make(chan error, 1)
		s.writer.enqueue(persistOp{kind: opClear, done: done})
	}
	s.mu.Unlock()

	if done != nil {
		if err := <-done; err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush blocks until every change made so far has been persisted.
func (s *Store) Flush() {
	if s.writer != nil {
		_ = s.writer.wait(persistOp{kind: opBarrier})
	}
}

// Close flushes pending writes and stops the background writer. Later
// changes are persisted synchronously.
func (s *Store) Close() {
	if s.writer != nil {
		s.writer.close()
	}
}

// Len returns the number of records visible to queries.
func (s *Store) Len() int {
	return s.Query(Filter{Limit: 1}).Total
}

// Get returns the record with the given ID.
func (s *Store) Get(id int64) (models.HistoryRecord, bool) {
	records := s.snap.Load().records
	cutoff := s.cutoff()
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ID == id {
			if !cutoff.IsZero() && records[i].StartedAt.Before(cutoff) {
				return models.HistoryRecord{}, false
			}
			return records[i], true
		}
		if records[i].ID < id {
			break
		}
	}
	return models.HistoryRecord{}, false
}

func (s *Store) cutoff() time.Time {
	if s.maxAge <= 0 {
		return time.Time{}
	}
	return s.now().Add(-s.maxAge)
}
