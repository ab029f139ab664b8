package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rsclarke/wpsrelay/internal/models"
)

const historyColumns = `id, tracing_id, connection_id, event_kind, sequence,
	request_method, request_url, request_headers, request_body, request_size,
	response_status, response_headers, response_body, response_size, response_synthetic,
	started_at, ended_at, outcome, error`

// InsertHistory stores a history record under its assigned ID.
func InsertHistory(d *sql.DB, rec *models.HistoryRecord) error {
	reqHeaders, err := encodeHeaders(rec.Request.Headers)
	if err != nil {
		return fmt.Errorf("encode request headers: %w", err)
	}
	respHeaders, err := encodeHeaders(rec.Response.Headers)
	if err != nil {
		return fmt.Errorf("encode response headers: %w", err)
	}
	synthetic := 0
	if rec.Response.Synthetic {
		synthetic = 1
	}

	_, err = d.Exec(
		"INSERT INTO history ("+historyColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.TracingID, rec.ConnectionID, rec.EventKind, int64(rec.Sequence),
		rec.Request.Method, rec.Request.URL, reqHeaders, rec.Request.Body, rec.Request.BodySize,
		rec.Response.Status, respHeaders, rec.Response.Body, rec.Response.BodySize, synthetic,
		rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), string(rec.Outcome), rec.Error,
	)
	return err
}

// RecentHistory returns up to limit records, most recent first.
func RecentHistory(d *sql.DB, limit int) ([]models.HistoryRecord, error) {
	rows, err := d.Query("SELECT "+historyColumns+" FROM history ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetHistory retrieves one record by ID.
func GetHistory(d *sql.DB, id int64) (*models.HistoryRecord, error) {
	row := d.QueryRow("SELECT "+historyColumns+" FROM history WHERE id = ?", id)
	rec, err := scanHistory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteHistoryBefore removes every record with an ID lower than id.
func DeleteHistoryBefore(d *sql.DB, id int64) (int64, error) {
	result, err := d.Exec("DELETE FROM history WHERE id < ?", id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ClearHistory removes all records.
func ClearHistory(d *sql.DB) error {
	_, err := d.Exec("DELETE FROM history")
	return err
}

// CountHistory returns the number of stored records.
func CountHistory(d *sql.DB) (int, error) {
	var count int
	err := d.QueryRow("SELECT COUNT(*) FROM history").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(s scanner) (models.HistoryRecord, error) {
	var (
		rec                     models.HistoryRecord
		seq                     int64
		reqHeaders, respHeaders string
		synthetic               int
		startedAt, endedAt      int64
		outcome                 string
	)
	err := s.Scan(
		&rec.ID, &rec.TracingID, &rec.ConnectionID, &rec.EventKind, &seq,
		&rec.Request.Method, &rec.Request.URL, &reqHeaders, &rec.Request.Body, &rec.Request.BodySize,
		&rec.Response.Status, &respHeaders, &rec.Response.Body, &rec.Response.BodySize, &synthetic,
		&startedAt, &endedAt, &outcome, &rec.Error,
	)
	if err != nil {
		return models.HistoryRecord{}, err
	}

	rec.Sequence = uint64(seq)
	rec.Response.Synthetic = synthetic != 0
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	rec.EndedAt = time.Unix(0, endedAt).UTC()
	rec.Outcome = models.Outcome(outcome)
	if rec.Request.Headers, err = decodeHeaders(reqHeaders); err != nil {
		return models.HistoryRecord{}, fmt.Errorf("decode request headers of record %d: %w", rec.ID, err)
	}
	if rec.Response.Headers, err = decodeHeaders(respHeaders); err != nil {
		return models.HistoryRecord{}, fmt.Errorf("decode response headers of record %d: %w", rec.ID, err)
	}
	return rec, nil
}

func encodeHeaders(h map[string][]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeaders(s string) (map[string][]string, error) {
	headers := make(map[string][]string)
	if s == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(s), &headers); err != nil {
		return nil, err
	}
	return headers, nil
}
