// Package wal implements the durable write-ahead log that converges the
// two backend instances: append with deletion conversion, chronological
// batch selection, worker-pool replay with per-collection ordering, and
// per-instance acknowledgement tracking.
package wal

import "time"

// Status is the WAL entry lifecycle state.
type Status string

const (
	// StatusPending: appended but not yet applied anywhere.
	StatusPending Status = "pending"
	// StatusExecuted: applied on executed_on, awaiting replication.
	StatusExecuted Status = "executed"
	// StatusSynced: every required instance has acknowledged.
	StatusSynced Status = "synced"
	// StatusFailed: last replay attempt failed; eligible again after
	// next_retry_at until the retry budget is exhausted.
	StatusFailed Status = "failed"
	// StatusAbandoned: given up by an operator.
	StatusAbandoned Status = "abandoned"
	// StatusObsolete: superseded by a later collection delete.
	StatusObsolete Status = "obsolete"
)

// ConversionIDsToMetadata marks entries whose ID-based delete body was
// rewritten to a metadata predicate for cross-instance replay.
const ConversionIDsToMetadata = "ids_to_metadata"

// Entry is one WAL record: the snapshot of a mutating request at
// admission plus its replication bookkeeping.
type Entry struct {
	WriteID        string
	Method         string // normalized: document deletes recorded as DELETE
	OriginalMethod string // wire method when it differed (POST for doc deletes)
	Path           string
	Body           []byte
	Headers        map[string]string

	TargetInstance string // primary | replica | both
	Status         Status
	// SyncedInstances is the ordered set of instances confirmed applied;
	// meaningful when TargetInstance is both.
	SyncedInstances []string

	// CollectionID is the collection identifier extracted from Path:
	// a UUID when resolvable at append time, otherwise the name.
	CollectionID string
	ExecutedOn   string // instance that applied it synchronously, if any

	RetryCount   int
	Priority     int // 1 for deletes, 0 otherwise; tie-break only
	ErrorMessage string

	// OriginalBody/ConversionType record the pre-conversion delete body.
	OriginalBody   []byte
	ConversionType string

	NextRetryAt *time.Time
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	SyncedAt    *time.Time
	UpdatedAt   time.Time

	DataSizeBytes int64
}

// maxRetries is the replay budget per entry; beyond it the entry stays
// failed until an operator or the recovery path resets it.
const maxRetries = 3

// batchMemoryLimit bounds the cumulative body bytes packed into one batch.
const batchMemoryLimit = 30 << 20

// NeedsSync reports whether the entry still has replication work.
func (e *Entry) NeedsSync() bool {
	switch e.Status {
	case StatusPending, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// HasSynced reports whether the named instance acknowledged this entry.
func (e *Entry) HasSynced(instance string) bool {
	for _, s := range e.SyncedInstances {
		if s == instance {
			return true
		}
	}
	return false
}
