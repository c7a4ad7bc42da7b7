// Package backendtest provides an in-memory fake of a vector database
// instance for tests: the collections REST surface, per-collection UUIDs,
// and a switch to simulate an outage.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vecgate/vecgate/internal/backend"
)

// OpCall records one document-level operation the fake received.
type OpCall struct {
	Method       string
	CollectionID string
	Op           string
	Body         []byte
}

// Fake is an http.Handler imitating one backend instance.
type Fake struct {
	mu   sync.Mutex
	cols map[string]backend.Collection // name -> collection
	ops  []OpCall

	// Metadatas backs the .../get endpoint: document ID -> metadata.
	Metadatas map[string]map[string]any

	down atomic.Bool
}

// New builds an empty fake.
func New() *Fake {
	return &Fake{
		cols:      make(map[string]backend.Collection),
		Metadatas: make(map[string]map[string]any),
	}
}

// SetDown makes every request fail with 503 (including probes).
func (f *Fake) SetDown(down bool) { f.down.Store(down) }

// Add registers a collection with a fixed UUID.
func (f *Fake) Add(name, id string) {
	f.AddWithMetadata(name, id, nil)
}

// AddWithMetadata registers a collection with a fixed UUID and metadata.
func (f *Fake) AddWithMetadata(name, id string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols[name] = backend.Collection{ID: id, Name: name, Metadata: metadata}
}

// Has reports whether the named collection exists.
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cols[name]
	return ok
}

// UUID returns the collection's UUID, "" when absent.
func (f *Fake) UUID(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols[name].ID
}

// CollectionMetadata returns the stored metadata, nil when absent.
func (f *Fake) CollectionMetadata(name string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols[name].Metadata
}

// Ops returns a copy of the recorded document operations.
func (f *Fake) Ops() []OpCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OpCall(nil), f.ops...)
}

func (f *Fake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	parsed, ok := backend.ParsePath(backend.NormalizePath(r.URL.Path))
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case parsed.IsCollectionsRoot() && r.Method == http.MethodGet:
		f.handleList(w)
	case parsed.IsCollectionsRoot() && r.Method == http.MethodPost:
		f.handleCreate(w, r)
	case parsed.Op == "" && r.Method == http.MethodDelete:
		f.handleDelete(w, parsed.CollectionID)
	case parsed.Op != "":
		f.handleOp(w, r, parsed)
	default:
		http.NotFound(w, r)
	}
}

func (f *Fake) handleList(w http.ResponseWriter) {
	f.mu.Lock()
	out := make([]backend.Collection, 0, len(f.cols))
	for _, c := range f.cols {
		out = append(out, c)
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *Fake) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string         `json:"name"`
		Metadata    map[string]any `json:"metadata"`
		GetOrCreate bool           `json:"get_or_create"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "bad create body", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	existing, exists := f.cols[req.Name]
	if exists && !req.GetOrCreate {
		f.mu.Unlock()
		http.Error(w, fmt.Sprintf("collection %s exists", req.Name), http.StatusConflict)
		return
	}
	if !exists {
		existing = backend.Collection{ID: uuid.NewString(), Name: req.Name, Metadata: req.Metadata}
		f.cols[req.Name] = existing
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, existing)
}

// handleDelete accepts either the name or the UUID, like the real thing.
func (f *Fake) handleDelete(w http.ResponseWriter, idOrName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cols[idOrName]; ok {
		delete(f.cols, idOrName)
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	for name, c := range f.cols {
		if c.ID == idOrName {
			delete(f.cols, name)
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
	}
	http.Error(w, "no such collection", http.StatusNotFound)
}

func (f *Fake) handleOp(w http.ResponseWriter, r *http.Request, parsed backend.ParsedPath) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	known := false
	for _, c := range f.cols {
		if c.ID == parsed.CollectionID {
			known = true
			break
		}
	}
	f.ops = append(f.ops, OpCall{
		Method:       r.Method,
		CollectionID: parsed.CollectionID,
		Op:           parsed.Op,
		Body:         body,
	})
	f.mu.Unlock()

	if !known {
		http.Error(w, "no such collection", http.StatusNotFound)
		return
	}
	if parsed.Op == backend.OpGet {
		var req struct {
			IDs []string `json:"ids"`
		}
		_ = json.Unmarshal(body, &req)
		metadatas := make([]map[string]any, 0, len(req.IDs))
		for _, id := range req.IDs {
			metadatas = append(metadatas, f.Metadatas[id])
		}
		writeJSON(w, http.StatusOK, map[string]any{"metadatas": metadatas})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
