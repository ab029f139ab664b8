package history

import (
	"database/sql"

	"github.com/rsclarke/wpsrelay/internal/db"
	"github.com/rsclarke/wpsrelay/internal/models"
)

// SQLitePersister implements Persister using the relay database.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister creates a SQLitePersister with the given database connection.
func NewSQLitePersister(database *sql.DB) *SQLitePersister {
	return &SQLitePersister{db: database}
}

// Insert stores one record.
func (p *SQLitePersister) Insert(rec *models.HistoryRecord) error {
	return db.InsertHistory(p.db, rec)
}

// DeleteBefore removes records older than the given ID.
func (p *SQLitePersister) DeleteBefore(id int64) error {
	_, err := db.DeleteHistoryBefore(p.db, id)
	return err
}

// Clear removes all records.
func (p *SQLitePersister) Clear() error {
	return db.ClearHistory(p.db)
}

// Recent returns the newest records, most recent first.
func (p *SQLitePersister) Recent(limit int) ([]models.HistoryRecord, error) {
	return db.RecentHistory(p.db, limit)
}
