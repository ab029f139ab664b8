package history

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rsclarke/wpsrelay/internal/db"
	"github.com/rsclarke/wpsrelay/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(conn string, i int) models.HistoryRecord {
	started := baseTime.Add(time.Duration(i) * time.Second)
	return models.HistoryRecord{
		TracingID:    fmt.Sprintf("trace-%d", i),
		ConnectionID: conn,
		EventKind:    "message",
		Sequence:     uint64(i),
		StartedAt:    started,
		EndedAt:      started.Add(time.Millisecond),
		Outcome:      models.OutcomeSuccess,
	}
}

func TestAppendAssignsIDs(t *testing.T) {
	s := New(Options{Capacity: 10})
	for i := 0; i < 3; i++ {
		rec := s.Append(record("a", i))
		if rec.ID != int64(i+1) {
			t.Errorf("record %d got ID %d", i, rec.ID)
		}
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	const capacity, extra = 5, 3
	s := New(Options{Capacity: capacity})
	for i := 0; i < capacity+extra; i++ {
		s.Append(record("a", i))
	}

	page := s.Query(Filter{})
	if page.Total != capacity || len(page.Records) != capacity {
		t.Fatalf("total=%d len=%d, want %d", page.Total, len(page.Records), capacity)
	}
	// Most recent first: sequences 7,6,5,4,3.
	for i, rec := range page.Records {
		want := uint64(capacity + extra - 1 - i)
		if rec.Sequence != want {
			t.Errorf("Records[%d].Sequence = %d, want %d", i, rec.Sequence, want)
		}
	}
}

func TestQueryFilterAndPaginate(t *testing.T) {
	s := New(Options{Capacity: 100})
	for i := 0; i < 10; i++ {
		conn := "a"
		if i%2 == 1 {
			conn = "b"
		}
		rec := record(conn, i)
		if i == 4 {
			rec.Outcome = models.OutcomeTimeout
		}
		s.Append(rec)
	}

	page := s.Query(Filter{ConnectionID: "a"})
	if page.Total != 5 {
		t.Errorf("connection a total = %d, want 5", page.Total)
	}

	page = s.Query(Filter{Outcome: models.OutcomeTimeout})
	if page.Total != 1 || page.Records[0].Sequence != 4 {
		t.Errorf("timeout filter = %+v", page)
	}

	page = s.Query(Filter{Limit: 3, Offset: 2})
	if page.Total != 10 || len(page.Records) != 3 {
		t.Fatalf("total=%d len=%d, want 10 and 3", page.Total, len(page.Records))
	}
	if page.Records[0].Sequence != 7 || page.Records[2].Sequence != 5 {
		t.Errorf("window = %d..%d, want 7..5", page.Records[0].Sequence, page.Records[2].Sequence)
	}

	page = s.Query(Filter{Since: baseTime.Add(8 * time.Second)})
	if page.Total != 2 {
		t.Errorf("since filter total = %d, want 2", page.Total)
	}

	page = s.Query(Filter{Offset: 50})
	if page.Total != 10 || len(page.Records) != 0 {
		t.Errorf("offset beyond end: total=%d len=%d", page.Total, len(page.Records))
	}
}

func TestMaxAgeEviction(t *testing.T) {
	now := baseTime.Add(time.Minute)
	s := New(Options{
		Capacity: 100,
		MaxAge:   30 * time.Second,
		Now:      func() time.Time { return now },
	})
	for i := 0; i < 60; i += 10 {
		s.Append(record("a", i))
	}
	// Records started at 0,10,20,30,40,50s; cutoff is 30s.
	page := s.Query(Filter{})
	if page.Total != 3 {
		t.Errorf("total = %d, want 3", page.Total)
	}
	if _, ok := s.Get(1); ok {
		t.Error("expired record 1 still visible")
	}
	if _, ok := s.Get(6); !ok {
		t.Error("record 6 not found")
	}
}

func TestClear(t *testing.T) {
	s := New(Options{Capacity: 10})
	for i := 0; i < 4; i++ {
		s.Append(record("a", i))
	}
	n, err := s.Clear()
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 4 {
		t.Errorf("cleared %d, want 4", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after clear", s.Len())
	}
	if rec := s.Append(record("a", 9)); rec.ID != 5 {
		t.Errorf("ID after clear = %d, want 5", rec.ID)
	}
}

func TestQueryDuringConcurrentAppend(t *testing.T) {
	const capacity = 50
	s := New(Options{Capacity: capacity})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Append(record(fmt.Sprintf("w%d", w), i))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		page := s.Query(Filter{})
		if page.Total > capacity {
			t.Fatalf("observed %d records, capacity %d", page.Total, capacity)
		}
		for i := 1; i < len(page.Records); i++ {
			if page.Records[i].ID >= page.Records[i-1].ID {
				t.Fatalf("records not most-recent-first: %d then %d", page.Records[i-1].ID, page.Records[i].ID)
			}
		}
		select {
		case <-done:
			if n := s.Len(); n != capacity {
				t.Errorf("final Len = %d, want %d", n, capacity)
			}
			return
		default:
		}
	}
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s := New(Options{Capacity: 3, Persister: NewSQLitePersister(database)})
	for i := 0; i < 5; i++ {
		s.Append(record("a", i))
	}
	s.Close()
	count, err := db.CountHistory(database)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("persisted %d records, want 3", count)
	}
	_ = database.Close()

	database, err = db.Open(path)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer func() { _ = database.Close() }()

	restored := New(Options{Capacity: 3, Persister: NewSQLitePersister(database)})
	defer restored.Close()
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	page := restored.Query(Filter{})
	if page.Total != 3 || page.Records[0].ID != 5 || page.Records[2].ID != 3 {
		t.Errorf("restored ids = %v", recordIDs(page.Records))
	}
	if rec := restored.Append(record("a", 9)); rec.ID != 6 {
		t.Errorf("next ID after restore = %d, want 6", rec.ID)
	}

	if _, err := restored.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	count, _ = db.CountHistory(database)
	if count != 0 {
		t.Errorf("persisted count after clear = %d", count)
	}
}

// gatedPersister blocks inserts until the gate is closed.
type gatedPersister struct {
	gate chan struct{}

	mu       sync.Mutex
	inserted []int64
	trimmed  []int64
}

func (p *gatedPersister) Insert(rec *models.HistoryRecord) error {
	<-p.gate
	p.mu.Lock()
	p.inserted = append(p.inserted, rec.ID)
	p.mu.Unlock()
	return nil
}

func (p *gatedPersister) DeleteBefore(id int64) error {
	p.mu.Lock()
	p.trimmed = append(p.trimmed, id)
	p.mu.Unlock()
	return nil
}

func (p *gatedPersister) Clear() error { return nil }

func (p *gatedPersister) Recent(int) ([]models.HistoryRecord, error) { return nil, nil }

func TestAppendDoesNotWaitForPersistence(t *testing.T) {
	p := &gatedPersister{gate: make(chan struct{})}
	s := New(Options{Capacity: 2, Persister: p})
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			s.Append(record("a", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a stalled persister")
	}
	if n := s.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}

	close(p.gate)
	s.Flush()

	p.mu.Lock()
	defer p.mu.Unlock()
	if fmt.Sprint(p.inserted) != "[1 2 3]" {
		t.Errorf("inserted = %v, want [1 2 3]", p.inserted)
	}
	if fmt.Sprint(p.trimmed) != "[2]" {
		t.Errorf("trimmed = %v, want [2]", p.trimmed)
	}
}

func TestCloseThenAppendPersistsSynchronously(t *testing.T) {
	p := &gatedPersister{gate: make(chan struct{})}
	close(p.gate)
	s := New(Options{Capacity: 5, Persister: p})
	s.Close()

	s.Append(record("a", 0))
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inserted) != 1 {
		t.Errorf("inserted = %v, want one record", p.inserted)
	}
}

func recordIDs(records []models.HistoryRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
