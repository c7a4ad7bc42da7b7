package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/wal"
)

// Collection lifecycle operations fan out to every instance that is up
// right now; the side that is down gets a WAL entry instead. The two are
// mutually exclusive per request per instance: an instance either applied
// the operation synchronously or owes it via the WAL, never both.

func (d *Dispatcher) handleCollectionCreate(w http.ResponseWriter, r *http.Request, path string, body []byte, txID string) {
	ctx := r.Context()
	status, respBody, err := d.fanoutCreate(ctx, path, body)
	if err != nil {
		d.metrics.RecordError(classCollectionCreate)
		d.failTx(ctx, txID, err.Error(), false)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	d.completeTx(ctx, txID, backend.TargetBoth, status)
	writeRaw(w, status, respBody)
}

func (d *Dispatcher) handleCollectionDelete(w http.ResponseWriter, r *http.Request, path string, txID string) {
	ctx := r.Context()
	status, err := d.fanoutDelete(ctx, path)
	if err != nil {
		d.metrics.RecordError(classCollectionDelete)
		d.failTx(ctx, txID, err.Error(), false)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	d.completeTx(ctx, txID, backend.TargetBoth, status)
	writeRaw(w, status, []byte(`{}`))
}

// fanoutCreate creates the collection on every live instance, records the
// mapping, and WAL-logs the create for a down instance.
func (d *Dispatcher) fanoutCreate(ctx context.Context, path string, body []byte) (int, []byte, error) {
	parsed, ok := backend.ParsePath(path)
	if !ok {
		return 0, nil, fmt.Errorf("bad collections path %s", path)
	}
	var req struct {
		Name        string         `json:"name"`
		Metadata    map[string]any `json:"metadata"`
		GetOrCreate bool           `json:"get_or_create"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		return 0, nil, fmt.Errorf("create body must carry a collection name")
	}

	var live, down []*backend.Instance
	for _, inst := range d.instances.All() {
		if d.health.CheckRealtime(ctx, inst) {
			live = append(live, inst)
		} else {
			down = append(down, inst)
		}
	}
	if len(live) == 0 {
		d.metrics.RecordNoHealthyInstance()
		return 0, nil, fmt.Errorf("no healthy instance")
	}

	uuids := map[string]string{}
	relayStatus := 0
	var relayBody []byte
	var executedOn string
	for _, inst := range live {
		col, status, err := d.client.CreateCollection(ctx, inst, parsed.Tenant, parsed.Database, req.Name, req.Metadata, req.GetOrCreate)
		if err != nil && status == http.StatusConflict {
			// Exists already on this side; resolve its UUID for the
			// mapping and keep the conflict status for the client.
			col, err = d.client.FindCollection(ctx, inst, parsed.Tenant, parsed.Database, req.Name)
			if err != nil {
				return 0, nil, fmt.Errorf("conflict on %s but lookup failed: %w", inst.Name, err)
			}
			status = http.StatusConflict
		} else if err != nil {
			return 0, nil, fmt.Errorf("create on %s: %w", inst.Name, err)
		}
		uuids[inst.Name] = col.ID
		executedOn = inst.Name
		// Primary's answer wins the relay; it is listed first in All.
		if relayStatus == 0 || inst.Name == backend.Primary {
			relayStatus = status
			relayBody, _ = json.Marshal(col)
		}
	}

	if err := d.resolver.CreateCompleteMapping(ctx, req.Name, uuids[backend.Primary], uuids[backend.Replica]); err != nil {
		return 0, nil, err
	}

	for _, inst := range down {
		if _, err := d.wal.AddWrite(ctx, wal.AddParams{
			Method:         "POST",
			Path:           path,
			Body:           body,
			TargetInstance: inst.Name,
			ExecutedOn:     executedOn,
		}); err != nil {
			d.log.Error("WAL append for deferred create failed", "collection", req.Name, "instance", inst.Name, "error", err)
		}
	}
	return relayStatus, relayBody, nil
}

// fanoutDelete removes the collection from every live instance, clears the
// mapping sides, retires the collection's live WAL entries, and WAL-logs
// the delete for a down instance.
func (d *Dispatcher) fanoutDelete(ctx context.Context, path string) (int, error) {
	parsed, ok := backend.ParsePath(path)
	if !ok || parsed.CollectionID == "" {
		return 0, fmt.Errorf("bad collection path %s", path)
	}

	// Deletes address by name everywhere; translate a UUID back first.
	name := parsed.CollectionID
	retireIDs := []string{name}
	if backend.LooksLikeUUID(name) {
		m, err := d.resolver.GetByUUID(ctx, name)
		if err != nil {
			return 0, err
		}
		if m != nil {
			name = m.Name
			retireIDs = append(retireIDs, m.Name)
		}
	}
	if m, err := d.resolver.Get(ctx, name); err == nil && m != nil {
		if m.PrimaryUUID != "" {
			retireIDs = append(retireIDs, m.PrimaryUUID)
		}
		if m.ReplicaUUID != "" {
			retireIDs = append(retireIDs, m.ReplicaUUID)
		}
	}

	var live, down []*backend.Instance
	for _, inst := range d.instances.All() {
		if d.health.CheckRealtime(ctx, inst) {
			live = append(live, inst)
		} else {
			down = append(down, inst)
		}
	}
	if len(live) == 0 {
		d.metrics.RecordNoHealthyInstance()
		return 0, fmt.Errorf("no healthy instance")
	}

	relayStatus := 0
	var executedOn string
	for _, inst := range live {
		status, err := d.client.DeleteCollection(ctx, inst, parsed.Tenant, parsed.Database, name)
		if err != nil {
			return 0, fmt.Errorf("delete on %s: %w", inst.Name, err)
		}
		executedOn = inst.Name
		if err := d.resolver.DeleteSide(ctx, name, inst.Name); err != nil {
			return 0, err
		}
		if relayStatus == 0 || inst.Name == backend.Primary {
			relayStatus = status
		}
	}

	// Retire before logging the deferred delete so the new entry survives.
	if err := d.wal.RetireCollection(ctx, retireIDs...); err != nil {
		d.log.Error("retire WAL entries for deleted collection", "collection", name, "error", err)
	}
	for _, inst := range down {
		if _, err := d.wal.AddWrite(ctx, wal.AddParams{
			Method:         "DELETE",
			Path:           parsed.WithCollectionID(name).String(),
			TargetInstance: inst.Name,
			ExecutedOn:     executedOn,
		}); err != nil {
			d.log.Error("WAL append for deferred delete failed", "collection", name, "instance", inst.Name, "error", err)
		}
	}
	return relayStatus, nil
}
