package txlog

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"time"
)

// Replayer re-executes a recovered request through the normal dispatch
// path. Implemented by the dispatcher; an interface here keeps the
// dependency pointing one way.
type Replayer interface {
	ReplayRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) (status int, err error)
}

// RecoveryLoop periodically replays stranded transactions until ctx is
// cancelled: FAILED records whose backoff elapsed, plus ATTEMPTING records
// whose owner evidently died mid-flight.
func (l *Log) RecoveryLoop(ctx context.Context, replayer Replayer, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	l.log.Info("transaction recovery loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("transaction recovery loop stopped")
			return
		case <-ticker.C:
			if n, err := l.RecoverPending(ctx, replayer); err != nil {
				l.log.Warn("transaction recovery pass failed", "error", err)
			} else if n > 0 {
				l.log.Info("transaction recovery pass", "recovered", n)
			}
		}
	}
}

// RecoverPending replays every currently-eligible stranded transaction.
// Returns the number recovered.
func (l *Log) RecoverPending(ctx context.Context, replayer Replayer) (int, error) {
	now := time.Now().UTC()
	rows, err := l.store.QueryContext(ctx, `
		SELECT transaction_id, method, path, body, headers, retry_count, max_retries
		FROM transaction_log
		WHERE (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		   OR (status = ? AND attempted_at <= ?)
		ORDER BY created_at ASC
		LIMIT 100`,
		StatusFailed, now, StatusAttempting, now.Add(-attemptingGrace))
	if err != nil {
		return 0, err
	}

	type pending struct {
		txID       string
		method     string
		path       string
		body       []byte
		headers    map[string]string
		retryCount int
		maxRetries int
	}
	var work []pending
	for rows.Next() {
		var p pending
		var body sql.NullString
		var headerJSON string
		if err := rows.Scan(&p.txID, &p.method, &p.path, &body, &headerJSON, &p.retryCount, &p.maxRetries); err != nil {
			rows.Close()
			return 0, err
		}
		if body.Valid && body.String != "" {
			if decoded, err := base64.StdEncoding.DecodeString(body.String); err == nil {
				p.body = decoded
			}
		}
		if headerJSON != "" {
			_ = json.Unmarshal([]byte(headerJSON), &p.headers)
		}
		work = append(work, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, p := range work {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		status, err := replayer.ReplayRequest(ctx, p.method, p.path, p.body, p.headers)
		if err == nil && status < 500 {
			if err := l.markRecovered(ctx, p.txID, status); err != nil {
				return recovered, err
			}
			recovered++
			continue
		}
		reason := "replay returned server error"
		if err != nil {
			reason = err.Error()
		}
		if err := l.recordRetryFailure(ctx, p.txID, p.retryCount+1, p.maxRetries, reason); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

func (l *Log) markRecovered(ctx context.Context, txID string, responseStatus int) error {
	_, err := l.store.ExecContext(ctx, `
		UPDATE transaction_log
		SET status = ?, response_status = ?, completed_at = ?, failure_reason = ''
		WHERE transaction_id = ?`,
		StatusRecovered, responseStatus, time.Now().UTC(), txID)
	if err == nil {
		l.metrics.RecordTxRecovered()
	}
	return err
}

func (l *Log) recordRetryFailure(ctx context.Context, txID string, retryCount, maxRetries int, reason string) error {
	if retryCount >= maxRetries {
		_, err := l.store.ExecContext(ctx, `
			UPDATE transaction_log
			SET status = ?, retry_count = ?, failure_reason = ?, completed_at = ?
			WHERE transaction_id = ?`,
			StatusAbandoned, retryCount, truncate(reason, 500), time.Now().UTC(), txID)
		if err == nil {
			l.metrics.RecordTxAbandoned()
			l.log.Warn("transaction abandoned", "transaction_id", txID, "reason", truncate(reason, 120))
		}
		return err
	}
	next := time.Now().UTC().Add(recoveryBackoff(retryCount))
	_, err := l.store.ExecContext(ctx, `
		UPDATE transaction_log
		SET status = ?, retry_count = ?, failure_reason = ?, next_retry_at = ?
		WHERE transaction_id = ?`,
		StatusFailed, retryCount, truncate(reason, 500), next, txID)
	return err
}
