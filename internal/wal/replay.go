package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/debug"
	"github.com/vecgate/vecgate/internal/mapping"
)

// resolveRetries bounds the in-replay attempts to translate a collection
// identifier for the target instance before the entry is marked failed.
const resolveRetries = 3

// replayEntry applies one WAL entry to one instance and records the
// outcome. Errors are absorbed into the entry's retry state.
func (e *Engine) replayEntry(ctx context.Context, entry *Entry, inst *backend.Instance) {
	if entry.HasSynced(inst.Name) || entry.ExecutedOn == inst.Name {
		return
	}

	var err error
	switch {
	case backend.IsCollectionDelete(entry.Method, entry.Path):
		err = e.replayCollectionDelete(ctx, entry, inst)
	case backend.IsCollectionCreate(entry.Method, entry.Path):
		err = e.replayCollectionCreate(ctx, entry, inst)
	default:
		err = e.replayDocumentOp(ctx, entry, inst)
	}

	if err != nil {
		e.log.Warn("replay failed",
			"write_id", entry.WriteID, "instance", inst.Name,
			"method", entry.Method, "path", entry.Path,
			"retry", entry.RetryCount+1, "error", err)
		if dbErr := e.markFailed(ctx, entry, err.Error()); dbErr != nil {
			e.log.Error("record replay failure", "write_id", entry.WriteID, "error", dbErr)
		}
		return
	}
	if err := e.ackInstance(ctx, entry, inst.Name); err != nil {
		e.log.Error("record replay acknowledgement", "write_id", entry.WriteID, "error", err)
	}
}

// ackInstance records that the instance now holds the entry and closes the
// entry out once every required instance has confirmed.
func (e *Engine) ackInstance(ctx context.Context, entry *Entry, instance string) error {
	if !entry.HasSynced(instance) {
		entry.SyncedInstances = append(entry.SyncedInstances, instance)
	}
	if entry.TargetInstance == backend.TargetBoth &&
		!(entry.HasSynced(backend.Primary) && entry.HasSynced(backend.Replica)) {
		return e.updateSyncedInstances(ctx, entry)
	}
	return e.markSynced(ctx, entry)
}

// replayCollectionCreate recreates the collection on the target instance
// and records its instance-local UUID. A 409 means the collection already
// exists there; the listing supplies the UUID and the entry succeeds.
func (e *Engine) replayCollectionCreate(ctx context.Context, entry *Entry, inst *backend.Instance) error {
	parsed, ok := backend.ParsePath(entry.Path)
	if !ok {
		return fmt.Errorf("unparseable create path %s", entry.Path)
	}
	var body struct {
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(entry.Body, &body); err != nil || body.Name == "" {
		return fmt.Errorf("create body has no collection name")
	}

	col, status, err := e.client.CreateCollection(ctx, inst, parsed.Tenant, parsed.Database, body.Name, body.Metadata, false)
	if err != nil {
		if status != http.StatusConflict {
			return err
		}
		// Already there; fetch its UUID instead of failing.
		col, err = e.client.FindCollection(ctx, inst, parsed.Tenant, parsed.Database, body.Name)
		if err != nil {
			return fmt.Errorf("conflict on create but lookup failed: %w", err)
		}
	}
	if err := e.resolver.SetSide(ctx, body.Name, inst.Name, col.ID); err != nil {
		return err
	}
	debug.Logf("replayed create %s on %s uuid=%s\n", body.Name, inst.Name, col.ID)
	return nil
}

// replayCollectionDelete removes the collection from the target instance.
// Collection deletes always replay by NAME: the stored path may carry the
// executing instance's UUID, which means nothing to the target.
func (e *Engine) replayCollectionDelete(ctx context.Context, entry *Entry, inst *backend.Instance) error {
	parsed, ok := backend.ParsePath(entry.Path)
	if !ok {
		return fmt.Errorf("unparseable delete path %s", entry.Path)
	}

	name := parsed.CollectionID
	if backend.LooksLikeUUID(name) {
		m, err := e.resolver.GetByUUID(ctx, name)
		if err != nil {
			return err
		}
		if m == nil {
			// No mapping for the UUID: nothing we can address on the
			// target. If the target doesn't know the UUID either, the
			// collection is already gone there.
			status, err := e.client.DeleteCollection(ctx, inst, parsed.Tenant, parsed.Database, name)
			if err != nil {
				return err
			}
			debug.Logf("delete by unmapped uuid %s on %s: status %d\n", name, inst.Name, status)
			return nil
		}
		name = m.Name
	}

	if _, err := e.client.DeleteCollection(ctx, inst, parsed.Tenant, parsed.Database, name); err != nil {
		return err
	}

	// Verify it is actually gone. Some backends accept a DELETE yet keep
	// the collection when addressed the wrong way; retry with the
	// listing's own identifier until the listing no longer shows it.
	for attempt := 0; attempt < resolveRetries; attempt++ {
		col, err := e.client.FindCollection(ctx, inst, parsed.Tenant, parsed.Database, name)
		if errors.Is(err, backend.ErrNotFound) {
			e.finishCollectionDelete(ctx, entry, inst, name)
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete verification: %w", err)
		}
		debug.Logf("delete verification: %s still on %s as %s, retrying\n", name, inst.Name, col.ID)
		if _, err := e.client.DeleteCollection(ctx, inst, parsed.Tenant, parsed.Database, col.ID); err != nil {
			return err
		}
	}
	return fmt.Errorf("collection %s still present on %s after delete", name, inst.Name)
}

// finishCollectionDelete clears the mapping side and retires every older
// live entry for the collection: replaying writes into a deleted
// collection would either fail or resurrect it.
func (e *Engine) finishCollectionDelete(ctx context.Context, entry *Entry, inst *backend.Instance, name string) {
	m, err := e.resolver.Get(ctx, name)
	if err != nil {
		e.log.Error("delete mapping lookup", "collection", name, "error", err)
	}
	ids := []string{name}
	if m != nil {
		if m.PrimaryUUID != "" {
			ids = append(ids, m.PrimaryUUID)
		}
		if m.ReplicaUUID != "" {
			ids = append(ids, m.ReplicaUUID)
		}
	}
	if err := e.markObsoleteBefore(ctx, entry, ids); err != nil {
		e.log.Error("obsolete propagation", "collection", name, "error", err)
	}
	if err := e.resolver.DeleteSide(ctx, name, inst.Name); err != nil {
		e.log.Error("delete mapping side", "collection", name, "instance", inst.Name, "error", err)
	}
}

// markObsoleteBefore retires live entries for the given collection
// identifiers that predate the delete entry.
func (e *Engine) markObsoleteBefore(ctx context.Context, entry *Entry, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := "?"
	args := []any{string(StatusObsolete)}
	args = append(args, ids[0])
	for _, id := range ids[1:] {
		placeholders += ", ?"
		args = append(args, id)
	}
	args = append(args, entry.CreatedAt, entry.WriteID)

	unlock := e.locks.LockWAL()
	defer unlock()
	res, err := e.store.ExecContext(ctx, `
		UPDATE wal_writes
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE collection_id IN (`+placeholders+`)
		  AND status IN ('pending', 'executed', 'failed')
		  AND created_at <= ?
		  AND write_id != ?`, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		for i := int64(0); i < n; i++ {
			e.metrics.RecordWALObsolete()
		}
		e.log.Info("retired obsolete entries after collection delete",
			"collection", ids[0], "count", n)
	}
	return nil
}

// replayDocumentOp reissues a document-level request against the target
// instance, translating the collection identifier to the target's UUID.
func (e *Engine) replayDocumentOp(ctx context.Context, entry *Entry, inst *backend.Instance) error {
	parsed, ok := backend.ParsePath(entry.Path)
	if !ok || parsed.CollectionID == "" {
		return fmt.Errorf("unparseable document path %s", entry.Path)
	}

	targetUUID, err := e.resolveForTarget(ctx, parsed, inst)
	if err != nil {
		return err
	}
	path := parsed.WithCollectionID(targetUUID).String()

	// Document deletes were normalized to DELETE at append; the wire
	// still wants the backend's POST shape.
	method := entry.Method
	if entry.OriginalMethod != "" {
		method = entry.OriginalMethod
	}

	var header http.Header
	if len(entry.Headers) > 0 {
		header = make(http.Header, len(entry.Headers))
		for k, v := range entry.Headers {
			header.Set(k, v)
		}
	}

	status, respBody, err := e.client.DoRead(ctx, inst, method, path, entry.Body, header)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound && entry.Method == "DELETE":
		// Nothing to delete on the target; the intent holds.
		debug.Logf("replay delete %s on %s: 404, treated as done\n", entry.WriteID, inst.Name)
		return nil
	}
	return &backend.BackendError{Status: status, Body: string(respBody)}
}

// resolveForTarget maps the path's collection identifier to the target
// instance's UUID, with bounded retries: after an outage the listing may
// lag the instance's actual state for a moment.
func (e *Engine) resolveForTarget(ctx context.Context, parsed backend.ParsedPath, inst *backend.Instance) (string, error) {
	id := parsed.CollectionID
	var lastErr error
	for attempt := 0; attempt < resolveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		if !backend.LooksLikeUUID(id) {
			uuid, err := e.resolver.ResolveNameToUUID(ctx, id, inst)
			if err == nil {
				return uuid, nil
			}
			lastErr = err
			continue
		}

		uuid, name, err := e.resolver.ResolveBySourceUUID(ctx, id, inst.Name)
		if err == nil {
			return uuid, nil
		}
		lastErr = err
		if errors.Is(err, mapping.ErrUnresolved) && name != "" {
			// The mapping knows the name but not the target side yet;
			// the instance listing is authoritative after an outage.
			uuid, err := e.resolver.ResolveNameToUUID(ctx, name, inst)
			if err == nil {
				return uuid, nil
			}
			lastErr = err
		}
	}
	return "", fmt.Errorf("resolve %s for %s: %w", id, inst.Name, lastErr)
}
