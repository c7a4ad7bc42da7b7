package wal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/debug"
)

// AddParams is the request snapshot captured at admission.
type AddParams struct {
	Method  string
	Path    string
	Body    []byte
	Headers map[string]string

	// TargetInstance is who must eventually receive this write:
	// primary, replica, or both.
	TargetInstance string
	// ExecutedOn is the instance that already applied it synchronously,
	// empty when the write has not run anywhere yet.
	ExecutedOn string
}

// AddWrite appends a mutating request to the WAL.
func (e *Engine) AddWrite(ctx context.Context, p AddParams) (*Entry, error) {
	path := backend.NormalizePath(p.Path)
	parsed, pathOK := backend.ParsePath(path)

	entry := &Entry{
		WriteID:        uuid.NewString(),
		Method:         p.Method,
		Path:           path,
		Body:           p.Body,
		Headers:        p.Headers,
		TargetInstance: p.TargetInstance,
		ExecutedOn:     p.ExecutedOn,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		DataSizeBytes:  int64(len(p.Body)),
	}

	// Collection identifier: the path segment, or for collection CREATE
	// the name from the body.
	if pathOK {
		entry.CollectionID = parsed.CollectionID
		if parsed.IsCollectionsRoot() && p.Method == "POST" {
			var createBody struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(p.Body, &createBody); err == nil {
				entry.CollectionID = createBody.Name
			}
		}
	}

	// Late resolution: a name with a known executor is resolved to that
	// instance's UUID now; otherwise the name is stored and resolution
	// happens at replay time.
	if entry.CollectionID != "" && !backend.LooksLikeUUID(entry.CollectionID) && p.ExecutedOn != "" && !parsed.IsCollectionsRoot() {
		if inst := e.instances.Get(p.ExecutedOn); inst != nil {
			if resolved, err := e.resolver.ResolveNameToUUID(ctx, entry.CollectionID, inst); err == nil {
				entry.CollectionID = resolved
			}
		}
	}

	// Method normalization: the backend accepts document deletions as
	// POST .../delete; record them as DELETE for routing clarity and keep
	// the wire method.
	if p.Method == "POST" && pathOK && parsed.Op == backend.OpDelete {
		entry.Method = "DELETE"
		entry.OriginalMethod = "POST"
		e.convertIDDelete(ctx, entry, parsed)
	}

	if entry.Method == "DELETE" {
		entry.Priority = 1
	}

	if p.ExecutedOn != "" {
		entry.Status = StatusExecuted
		now := time.Now().UTC()
		entry.ExecutedAt = &now
		if p.TargetInstance == backend.TargetBoth {
			// The executing instance already holds the write.
			entry.SyncedInstances = []string{p.ExecutedOn}
		}
	}

	if err := e.insertEntry(ctx, entry); err != nil {
		return nil, err
	}
	e.metrics.RecordWALAppended()
	e.recent.Record(entry.CollectionID, parsed.CollectionID)
	debug.Logf("wal append %s %s %s target=%s executed_on=%s\n",
		entry.WriteID, entry.Method, entry.Path, entry.TargetInstance, entry.ExecutedOn)
	return entry, nil
}

// convertIDDelete rewrites an ID-based document delete into a
// metadata-predicate delete. IDs are instance-local, so the as-given body
// would delete nothing (or the wrong thing) on the other instance; the
// documents' shared document_id metadata survives the translation.
// On any failure the original body is kept and replay proceeds as-given.
func (e *Engine) convertIDDelete(ctx context.Context, entry *Entry, parsed backend.ParsedPath) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(entry.Body, &body); err != nil || len(body.IDs) == 0 {
		return
	}
	inst := e.instances.Get(entry.ExecutedOn)
	if inst == nil {
		return
	}

	// entry.CollectionID has been late-resolved to the executing instance's
	// UUID; the path segment may still be the collection name, which
	// document endpoints reject.
	metadatas, err := e.client.GetMetadatas(ctx, inst, parsed.Tenant, parsed.Database, entry.CollectionID, body.IDs)
	if err != nil {
		e.log.Warn("deletion conversion: metadata fetch failed", "error", err)
		return
	}

	seen := make(map[string]bool)
	var docIDs []string
	for _, md := range metadatas {
		if md == nil {
			continue
		}
		if v, ok := md["document_id"].(string); ok && v != "" && !seen[v] {
			seen[v] = true
			docIDs = append(docIDs, v)
		}
	}
	if len(docIDs) == 0 {
		return
	}

	var where map[string]any
	if len(docIDs) == 1 {
		where = map[string]any{"document_id": map[string]any{"$eq": docIDs[0]}}
	} else {
		where = map[string]any{"document_id": map[string]any{"$in": docIDs}}
	}
	converted, err := json.Marshal(map[string]any{"where": where})
	if err != nil {
		return
	}

	entry.OriginalBody = entry.Body
	entry.Body = converted
	entry.ConversionType = ConversionIDsToMetadata
	debug.Logf("wal conversion: %d ids -> %d document_ids for %s\n",
		len(body.IDs), len(docIDs), parsed.CollectionID)
}
