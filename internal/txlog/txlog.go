// Package txlog is the pre-execution transaction safety log. Every
// mutating request is recorded BEFORE it is admitted for execution, so a
// crash or an instance outage mid-flight can never lose a write silently:
// the recovery loop finds the stranded record and replays it.
package txlog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/store"
)

// Transaction lifecycle states. Uppercase to stand apart from the WAL's
// lowercase entry statuses in shared tooling.
const (
	StatusAttempting = "ATTEMPTING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusRecovered  = "RECOVERED"
	StatusAbandoned  = "ABANDONED"
)

// Operation classes recorded for reporting and recovery triage.
const (
	OpCollectionCreate = "collection_create"
	OpCollectionDelete = "collection_delete"
	OpDocumentDelete   = "document_delete"
	OpDocumentWrite    = "document_write"
	OpOther            = "other"
)

const defaultMaxRetries = 3

// attemptingGrace is how long an ATTEMPTING record may sit before the
// recovery loop considers its owner dead and takes it over.
const attemptingGrace = 30 * time.Second

// Identity is what we can tell about the client that issued a request.
type Identity struct {
	Session string
	IP      string
	UserID  string
}

// IdentityFromRequest extracts client identity from common headers,
// falling back to a generated session marker so every transaction has one.
func IdentityFromRequest(r *http.Request) Identity {
	id := Identity{
		Session: r.Header.Get("X-Session-Id"),
		UserID:  r.Header.Get("X-User-Id"),
	}
	if id.Session == "" {
		if c, err := r.Cookie("session_id"); err == nil {
			id.Session = c.Value
		}
	}
	if id.Session == "" {
		id.Session = "anon-" + uuid.NewString()
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		id.IP = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		id.IP = host
	} else {
		id.IP = r.RemoteAddr
	}
	return id
}

// Record is one transaction log row.
type Record struct {
	TransactionID string
	Identity      Identity
	Method        string
	Path          string
	Body          []byte
	Headers       map[string]string

	Status         string
	OperationType  string
	TargetInstance string
	FailureReason  string
	ResponseStatus int

	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	TimingGapFailure bool

	CreatedAt   time.Time
	AttemptedAt *time.Time
	CompletedAt *time.Time
}

// Log owns the transaction_log table.
type Log struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewLog wires the safety log.
func NewLog(st *store.Store, m *metrics.Metrics, log *slog.Logger) *Log {
	return &Log{store: st, metrics: m, log: log.With("component", "txlog")}
}

// classifyOperation buckets a request for the operation_type column.
func classifyOperation(method, path string) string {
	switch {
	case backend.IsCollectionCreate(method, path):
		return OpCollectionCreate
	case backend.IsCollectionDelete(method, path):
		return OpCollectionDelete
	case backend.IsDocumentDelete(method, path):
		return OpDocumentDelete
	case method == "POST" || method == "PUT" || method == "PATCH" || method == "DELETE":
		return OpDocumentWrite
	}
	return OpOther
}

// Begin records the transaction before admission and returns its ID.
// The body column is text in both dialects, so bodies are stored base64.
func (l *Log) Begin(ctx context.Context, id Identity, method, path string, body []byte, headers map[string]string) (string, error) {
	txID := uuid.NewString()
	headerJSON, _ := json.Marshal(headers)
	if headers == nil {
		headerJSON = []byte("{}")
	}
	now := time.Now().UTC()
	_, err := l.store.ExecContext(ctx, `
		INSERT INTO transaction_log (
			transaction_id, client_session, client_ip, user_id,
			method, path, body, headers, status, operation_type,
			max_retries, created_at, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txID, id.Session, id.IP, id.UserID,
		method, path, base64.StdEncoding.EncodeToString(body), string(headerJSON),
		StatusAttempting, classifyOperation(method, path),
		defaultMaxRetries, now, now)
	if err != nil {
		return "", err
	}
	return txID, nil
}

// MarkCompleted closes a transaction that reached a backend.
func (l *Log) MarkCompleted(ctx context.Context, txID, targetInstance string, responseStatus int) error {
	_, err := l.store.ExecContext(ctx, `
		UPDATE transaction_log
		SET status = ?, target_instance = ?, response_status = ?, completed_at = ?
		WHERE transaction_id = ?`,
		StatusCompleted, targetInstance, responseStatus, time.Now().UTC(), txID)
	return err
}

// MarkFailed records a failure and schedules a recovery retry. timingGap
// flags failures that hit the window between an instance going down and
// the health monitor noticing; these are the recovery loop's main diet.
func (l *Log) MarkFailed(ctx context.Context, txID, reason string, timingGap bool) error {
	gap := 0
	if timingGap {
		gap = 1
	}
	next := time.Now().UTC().Add(recoveryBackoff(1))
	_, err := l.store.ExecContext(ctx, `
		UPDATE transaction_log
		SET status = ?, failure_reason = ?, is_timing_gap_failure = ?, next_retry_at = ?
		WHERE transaction_id = ?`,
		StatusFailed, truncate(reason, 500), gap, next, txID)
	return err
}

func recoveryBackoff(retry int) time.Duration {
	d := 10 * time.Second << (retry - 1)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// Sweep removes terminal records older than the retention period.
func (l *Log) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := l.store.ExecContext(ctx, `
		DELETE FROM transaction_log
		WHERE status IN (?, ?, ?) AND created_at < ?`,
		StatusCompleted, StatusRecovered, StatusAbandoned,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.log.Info("transaction log retention sweep", "removed", n)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
