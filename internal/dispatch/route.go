package dispatch

import (
	"context"
	"math/rand/v2"
	"net/http"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/debug"
)

// selectForRead picks the instance serving a read. A collection written
// inside the consistency window is pinned to the primary (the write path
// prefers primary, and the replica may not have replicated yet); otherwise
// reads sample the replica at the configured ratio. Cached health gates
// the choice: reads tolerate staleness, writes do not.
func (d *Dispatcher) selectForRead(path string) *backend.Instance {
	primary, replica := d.instances.Primary, d.instances.Replica

	if parsed, ok := backend.ParsePath(path); ok && parsed.CollectionID != "" {
		if d.wal.Recent().WrittenWithin(parsed.CollectionID, d.cfg.ConsistencyWindow) {
			if primary.Healthy() {
				debug.Logf("read pinned to primary for %s\n", parsed.CollectionID)
				return primary
			}
		}
	}

	if replica.Healthy() && rand.Float64() < d.readReplicaRatio() {
		return replica
	}
	if primary.Healthy() {
		return primary
	}
	if replica.Healthy() {
		return replica
	}
	return nil
}

// selectForWrite picks the instance executing a write: primary first,
// replica on failover, each verified with a live probe. The second return
// reports whether a cached-healthy instance failed its live probe, the
// timing-gap signature the transaction log records.
func (d *Dispatcher) selectForWrite(ctx context.Context) (*backend.Instance, bool) {
	timingGap := false
	for _, inst := range d.instances.All() {
		cached := inst.Healthy()
		if d.health.CheckRealtime(ctx, inst) {
			return inst, timingGap
		}
		if cached {
			timingGap = true
			d.log.Warn("instance failed realtime check", "instance", inst.Name)
		}
	}
	return nil, timingGap
}

// pathForInstance rewrites the collection identifier in a path to the
// identifier the instance knows. Names resolve through the mapping (with
// listing repair); UUIDs from the other instance translate across; UUIDs
// with no mapping row pass through untouched.
func (d *Dispatcher) pathForInstance(ctx context.Context, path string, inst *backend.Instance) (string, error) {
	parsed, ok := backend.ParsePath(path)
	if !ok || parsed.CollectionID == "" {
		return path, nil
	}

	id := parsed.CollectionID
	if !backend.LooksLikeUUID(id) {
		uuid, err := d.resolver.ResolveNameToUUID(ctx, id, inst)
		if err != nil {
			return "", err
		}
		return parsed.WithCollectionID(uuid).String(), nil
	}

	m, err := d.resolver.GetByUUID(ctx, id)
	if err != nil {
		return "", err
	}
	if m == nil {
		return path, nil
	}
	if target := m.UUIDFor(inst.Name); target != "" {
		return parsed.WithCollectionID(target).String(), nil
	}
	// Known collection, but this side's UUID is missing; the listing may
	// know better (post-outage repair).
	uuid, err := d.resolver.ResolveNameToUUID(ctx, m.Name, inst)
	if err != nil {
		return "", err
	}
	return parsed.WithCollectionID(uuid).String(), nil
}

// hopHeaders are stripped when proxying, per RFC 9110.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

func proxyHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// flattenHeader keeps the first value per header for durable storage.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}

func headerFromMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
