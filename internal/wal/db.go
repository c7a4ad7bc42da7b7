package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const entryColumns = `write_id, method, original_method, path, body, headers,
	target_instance, status, synced_instances, collection_id, executed_on,
	retry_count, priority, error_message, original_body, conversion_type,
	next_retry_at, created_at, executed_at, synced_at, updated_at, data_size_bytes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var headers, syncedInstances string
	var body, originalBody []byte
	var nextRetry, executed, synced sql.NullTime
	var created, updated sql.NullTime

	err := row.Scan(
		&e.WriteID, &e.Method, &e.OriginalMethod, &e.Path, &body, &headers,
		&e.TargetInstance, &e.Status, &syncedInstances, &e.CollectionID, &e.ExecutedOn,
		&e.RetryCount, &e.Priority, &e.ErrorMessage, &originalBody, &e.ConversionType,
		&nextRetry, &created, &executed, &synced, &updated, &e.DataSizeBytes,
	)
	if err != nil {
		return nil, err
	}
	e.Body = body
	e.OriginalBody = originalBody
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
			return nil, fmt.Errorf("entry %s: parse headers: %w", e.WriteID, err)
		}
	}
	if syncedInstances != "" {
		if err := json.Unmarshal([]byte(syncedInstances), &e.SyncedInstances); err != nil {
			return nil, fmt.Errorf("entry %s: parse synced_instances: %w", e.WriteID, err)
		}
	}
	if nextRetry.Valid {
		e.NextRetryAt = &nextRetry.Time
	}
	e.CreatedAt = created.Time
	if executed.Valid {
		e.ExecutedAt = &executed.Time
	}
	if synced.Valid {
		e.SyncedAt = &synced.Time
	}
	e.UpdatedAt = updated.Time
	return &e, nil
}

func (e *Engine) insertEntry(ctx context.Context, entry *Entry) error {
	headers, _ := json.Marshal(entry.Headers)
	if entry.Headers == nil {
		headers = []byte("{}")
	}
	syncedInstances, _ := json.Marshal(entry.SyncedInstances)
	if entry.SyncedInstances == nil {
		syncedInstances = []byte("[]")
	}

	unlock := e.locks.LockWAL()
	defer unlock()
	_, err := e.store.ExecContext(ctx, `
		INSERT INTO wal_writes (
			write_id, method, original_method, path, body, headers,
			target_instance, status, synced_instances, collection_id, executed_on,
			retry_count, priority, error_message, original_body, conversion_type,
			next_retry_at, created_at, executed_at, data_size_bytes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.WriteID, entry.Method, entry.OriginalMethod, entry.Path, entry.Body, string(headers),
		entry.TargetInstance, string(entry.Status), string(syncedInstances), entry.CollectionID, entry.ExecutedOn,
		entry.RetryCount, entry.Priority, entry.ErrorMessage, entry.OriginalBody, entry.ConversionType,
		entry.NextRetryAt, entry.CreatedAt, entry.ExecutedAt, entry.DataSizeBytes,
	)
	return err
}

// Get fetches one entry by write ID. Returns nil, nil when absent.
func (e *Engine) Get(ctx context.Context, writeID string) (*Entry, error) {
	row := e.store.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM wal_writes WHERE write_id = ?`, writeID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// markSynced transitions an entry to synced.
func (e *Engine) markSynced(ctx context.Context, entry *Entry) error {
	unlock := e.locks.LockWAL()
	defer unlock()
	syncedInstances, _ := json.Marshal(entry.SyncedInstances)
	now := time.Now().UTC()
	_, err := e.store.ExecContext(ctx, `
		UPDATE wal_writes
		SET status = ?, synced_instances = ?, synced_at = ?, error_message = '',
		    next_retry_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE write_id = ?`,
		string(StatusSynced), string(syncedInstances), now, entry.WriteID)
	if err == nil {
		entry.Status = StatusSynced
		entry.SyncedAt = &now
		e.metrics.RecordWALSynced()
	}
	return err
}

// updateSyncedInstances persists a partial acknowledgement (target=both,
// one side confirmed).
func (e *Engine) updateSyncedInstances(ctx context.Context, entry *Entry) error {
	unlock := e.locks.LockWAL()
	defer unlock()
	syncedInstances, _ := json.Marshal(entry.SyncedInstances)
	_, err := e.store.ExecContext(ctx, `
		UPDATE wal_writes
		SET synced_instances = ?, error_message = '', next_retry_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE write_id = ?`,
		string(syncedInstances), entry.WriteID)
	return err
}

// markFailed records a failed replay attempt and schedules the retry.
func (e *Engine) markFailed(ctx context.Context, entry *Entry, errMsg string) error {
	entry.RetryCount++
	entry.Status = StatusFailed
	entry.ErrorMessage = truncateErr(errMsg)

	var nextRetry *time.Time
	if entry.RetryCount < maxRetries {
		t := time.Now().UTC().Add(e.retryBackoff(entry.RetryCount))
		nextRetry = &t
	}
	entry.NextRetryAt = nextRetry

	unlock := e.locks.LockWAL()
	defer unlock()
	_, err := e.store.ExecContext(ctx, `
		UPDATE wal_writes
		SET status = ?, retry_count = ?, error_message = ?, next_retry_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE write_id = ?`,
		string(StatusFailed), entry.RetryCount, entry.ErrorMessage, nextRetry, entry.WriteID)
	if err == nil {
		e.metrics.RecordWALFailed()
	}
	return err
}

// retryBackoff is exponential with a base depending on primary health
// (outages elsewhere slow everything down; back off harder) and a 15
// minute cap.
func (e *Engine) retryBackoff(retryCount int) time.Duration {
	base := 15 * time.Second
	if !e.instances.Primary.Healthy() {
		base = 60 * time.Second
	}
	d := base << (retryCount - 1)
	if d > 15*time.Minute {
		d = 15 * time.Minute
	}
	return d
}

func truncateErr(s string) string {
	const limit = 500
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
