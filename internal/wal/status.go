package wal

import (
	"context"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
)

// StatusReport is the /wal/status payload.
type StatusReport struct {
	ByStatus         map[string]int64 `json:"by_status"`
	PendingPrimary   int64            `json:"pending_primary"`
	PendingReplica   int64            `json:"pending_replica"`
	OldestPendingAge float64          `json:"oldest_pending_age_seconds"`
	TotalSizeBytes   int64            `json:"total_size_bytes"`
}

// Report assembles the WAL status snapshot.
func (e *Engine) Report(ctx context.Context) (*StatusReport, error) {
	r := &StatusReport{ByStatus: make(map[string]int64)}

	rows, err := e.store.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(data_size_bytes), 0) FROM wal_writes GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, size int64
		if err := rows.Scan(&status, &count, &size); err != nil {
			return nil, err
		}
		r.ByStatus[status] = count
		r.TotalSizeBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if r.PendingPrimary, err = e.PendingFor(ctx, backend.Primary); err != nil {
		return nil, err
	}
	if r.PendingReplica, err = e.PendingFor(ctx, backend.Replica); err != nil {
		return nil, err
	}

	var oldest *time.Time
	err = e.store.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM wal_writes
		WHERE status IN ('pending', 'executed', 'failed')`).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		r.OldestPendingAge = time.Since(*oldest).Seconds()
	}
	return r, nil
}

// ResetFailed gives exhausted entries a fresh retry budget. Operator
// action behind the admin endpoint.
func (e *Engine) ResetFailed(ctx context.Context) (int64, error) {
	unlock := e.locks.LockWAL()
	defer unlock()
	res, err := e.store.ExecContext(ctx, `
		UPDATE wal_writes
		SET retry_count = 0, next_retry_at = NULL, error_message = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.log.Info("reset failed WAL entries", "count", n)
	}
	return n, nil
}

// HasRecentCollectionDelete reports whether any of the identifiers saw a
// collection-level DELETE inside the window. The recovery coordinator
// skips recreating such collections: the delete may still be in flight.
func (e *Engine) HasRecentCollectionDelete(ctx context.Context, window time.Duration, ids ...string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	placeholders := "?"
	args := []any{time.Now().UTC().Add(-window), ids[0]}
	for _, id := range ids[1:] {
		placeholders += ", ?"
		args = append(args, id)
	}
	var n int64
	err := e.store.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wal_writes
		WHERE method = 'DELETE' AND original_method = ''
		  AND created_at >= ?
		  AND collection_id IN (`+placeholders+`)`, args...).Scan(&n)
	return n > 0, err
}

// RetireCollection marks every live entry for the given collection
// identifiers obsolete. Called when a collection delete has been applied
// to every healthy instance directly, so replaying the collection's
// earlier writes would only resurrect deleted data.
func (e *Engine) RetireCollection(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := "?"
	args := []any{string(StatusObsolete), ids[0]}
	for _, id := range ids[1:] {
		placeholders += ", ?"
		args = append(args, id)
	}
	unlock := e.locks.LockWAL()
	defer unlock()
	res, err := e.store.ExecContext(ctx, `
		UPDATE wal_writes
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE collection_id IN (`+placeholders+`)
		  AND status IN ('pending', 'executed', 'failed')`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		for i := int64(0); i < n; i++ {
			e.metrics.RecordWALObsolete()
		}
		e.log.Info("retired WAL entries for deleted collection", "collection", ids[0], "count", n)
	}
	return nil
}

// Sweep deletes terminal entries (synced, obsolete, abandoned) older
// than the retention period. Runs periodically from the server's
// housekeeping loop.
func (e *Engine) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	unlock := e.locks.LockWAL()
	defer unlock()
	res, err := e.store.ExecContext(ctx, `
		DELETE FROM wal_writes
		WHERE status IN ('synced', 'obsolete', 'abandoned')
		  AND created_at < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.log.Info("WAL retention sweep", "removed", n)
	}
	return n, nil
}
