package history

import (
	"time"

	"github.com/rsclarke/wpsrelay/internal/models"
)

// Filter selects records. Zero-valued fields match everything; a
// non-positive Limit returns all matches.
type Filter struct {
	ConnectionID string
	Kind         string
	Outcome      models.Outcome
	Since        time.Time
	Limit        int
	Offset       int
}

func (f Filter) match(rec *models.HistoryRecord) bool {
	if f.ConnectionID != "" && rec.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Kind != "" && rec.EventKind != f.Kind {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

// Page is one window of query results.
type Page struct {
	Records []models.HistoryRecord
	// Total counts every match, ignoring Limit and Offset.
	Total int
}

// Query returns matching records, most recent first.
func (s *Store) Query(f Filter) Page {
	records := s.snap.Load().records
	cutoff := s.cutoff()

	page := Page{Records: []models.HistoryRecord{}}
	for i := len(records) - 1; i >= 0; i-- {
		rec := &records[i]
		if !cutoff.IsZero() && rec.StartedAt.Before(cutoff) {
			continue
		}
		if !f.match(rec) {
			continue
		}
		if page.Total >= f.Offset && (f.Limit <= 0 || len(page.Records) < f.Limit) {
			page.Records = append(page.Records, *rec)
		}
		page.Total++
	}
	return page
}
