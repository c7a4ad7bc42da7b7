package wal

import (
	"context"
	"time"
)

// eligibleWhere is the shared predicate for "this entry still needs the
// given instance": live status, retry budget left, backoff elapsed,
// targeted at the instance (directly or via both), not yet acknowledged by
// it, and not the instance that executed it in the first place.
// synced_instances holds a JSON array of the fixed instance names, so a
// quoted LIKE match is exact.
const eligibleWhere = `
	status IN ('pending', 'executed', 'failed')
	AND retry_count < ?
	AND (next_retry_at IS NULL OR next_retry_at <= ?)
	AND (target_instance = ? OR target_instance = 'both')
	AND synced_instances NOT LIKE ?
	AND executed_on != ?`

// NextBatches selects the entries currently eligible for replay toward an
// instance, oldest first with deletes winning ties, packed into batches of
// at most batchSize entries and at most 30MB of body bytes each.
func (e *Engine) NextBatches(ctx context.Context, instance string, batchSize int) ([][]*Entry, error) {
	unlock := e.locks.LockWAL()
	rows, err := e.store.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM wal_writes
		WHERE `+eligibleWhere+`
		ORDER BY created_at ASC, priority DESC
		LIMIT ?`,
		maxRetries, time.Now().UTC(), instance, `%"`+instance+`"%`, instance,
		e.opts.MaxBatchSize)
	if err != nil {
		unlock()
		return nil, err
	}

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			unlock()
			return nil, err
		}
		entries = append(entries, entry)
	}
	err = rows.Err()
	rows.Close()
	unlock()
	if err != nil {
		return nil, err
	}

	if batchSize < 1 {
		batchSize = 1
	}
	var batches [][]*Entry
	var batch []*Entry
	var batchBytes int64
	for _, entry := range entries {
		if len(batch) > 0 && (len(batch) >= batchSize || batchBytes+entry.DataSizeBytes > batchMemoryLimit) {
			batches = append(batches, batch)
			batch = nil
			batchBytes = 0
		}
		batch = append(batch, entry)
		batchBytes += entry.DataSizeBytes
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches, nil
}

// PendingFor counts the entries that still owe the instance a replay,
// including those currently waiting out a retry backoff.
func (e *Engine) PendingFor(ctx context.Context, instance string) (int64, error) {
	var n int64
	err := e.store.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wal_writes
		WHERE status IN ('pending', 'executed', 'failed')
		  AND retry_count < ?
		  AND (target_instance = ? OR target_instance = 'both')
		  AND synced_instances NOT LIKE ?
		  AND executed_on != ?`,
		maxRetries, instance, `%"`+instance+`"%`, instance).Scan(&n)
	return n, err
}
