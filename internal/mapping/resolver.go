// Package mapping maintains the correspondence between client-visible
// collection names and the instance-local UUIDs each backend assigns.
//
// The resolver never fabricates a UUID: it only records what it observed
// from a create response or from an instance's authoritative collection
// listing.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/debug"
	"github.com/vecgate/vecgate/internal/store"
)

// ErrUnresolved is returned when no UUID is known for the requested
// instance and the instance listing could not supply one. Callers treat
// this as "not yet replicated" and defer or synthesize.
var ErrUnresolved = errors.New("mapping unresolved")

// Mapping is one row of the name -> (primary_uuid, replica_uuid) table.
// Empty strings stand for NULL.
type Mapping struct {
	Name        string
	PrimaryUUID string
	ReplicaUUID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UUIDFor returns the UUID for the named instance, "" when unknown.
func (m Mapping) UUIDFor(instance string) string {
	if instance == backend.Primary {
		return m.PrimaryUUID
	}
	return m.ReplicaUUID
}

// Complete reports whether both sides are known.
func (m Mapping) Complete() bool {
	return m.PrimaryUUID != "" && m.ReplicaUUID != ""
}

// Resolver serves and repairs mappings.
type Resolver struct {
	store     *store.Store
	client    *backend.Client
	instances backend.Pair
	locks     *store.Locks
}

// NewResolver builds a resolver over the shared store and backend client.
func NewResolver(st *store.Store, client *backend.Client, instances backend.Pair, locks *store.Locks) *Resolver {
	return &Resolver{store: st, client: client, instances: instances, locks: locks}
}

func uuidColumn(instance string) (string, error) {
	switch instance {
	case backend.Primary:
		return "primary_uuid", nil
	case backend.Replica:
		return "replica_uuid", nil
	}
	return "", fmt.Errorf("unknown instance %q", instance)
}

// Get fetches the mapping row for a name. Returns nil, nil when absent.
func (r *Resolver) Get(ctx context.Context, name string) (*Mapping, error) {
	row := r.store.QueryRowContext(ctx, `
		SELECT collection_name, primary_uuid, replica_uuid, created_at, updated_at
		FROM collection_mappings WHERE collection_name = ?`, name)
	return scanMapping(row)
}

// GetByUUID finds the mapping row where either side equals uuid.
// Returns nil, nil when absent.
func (r *Resolver) GetByUUID(ctx context.Context, uuid string) (*Mapping, error) {
	row := r.store.QueryRowContext(ctx, `
		SELECT collection_name, primary_uuid, replica_uuid, created_at, updated_at
		FROM collection_mappings WHERE primary_uuid = ? OR replica_uuid = ?`, uuid, uuid)
	return scanMapping(row)
}

func scanMapping(row *sql.Row) (*Mapping, error) {
	var m Mapping
	var primaryUUID, replicaUUID sql.NullString
	var created, updated sql.NullTime
	err := row.Scan(&m.Name, &primaryUUID, &replicaUUID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.PrimaryUUID = primaryUUID.String
	m.ReplicaUUID = replicaUUID.String
	m.CreatedAt = created.Time
	m.UpdatedAt = updated.Time
	return &m, nil
}

// ResolveNameToUUID returns the instance-local UUID for a collection name.
// On a mapping miss it consults the instance's collection listing, repairs
// the mapping, and returns the discovered UUID. ErrUnresolved when the
// instance doesn't have the collection either.
func (r *Resolver) ResolveNameToUUID(ctx context.Context, name string, inst *backend.Instance) (string, error) {
	m, err := r.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if m != nil {
		if uuid := m.UUIDFor(inst.Name); uuid != "" {
			return uuid, nil
		}
	}

	// Miss: ask the instance directly.
	col, err := r.client.FindCollection(ctx, inst, backend.DefaultTenant, backend.DefaultDatabase, name)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", fmt.Errorf("%w: %s on %s", ErrUnresolved, name, inst.Name)
		}
		return "", err
	}
	debug.Logf("mapping repair: %s -> %s on %s\n", name, col.ID, inst.Name)
	if err := r.SetSide(ctx, name, inst.Name, col.ID); err != nil {
		return "", err
	}
	return col.ID, nil
}

// ResolveBySourceUUID translates a UUID observed on one instance to the
// equivalent UUID on the target instance. ErrUnresolved when the target
// side has not been populated yet; the error carries the collection name
// so the caller can fall back to name-based recovery.
func (r *Resolver) ResolveBySourceUUID(ctx context.Context, sourceUUID, targetInstance string) (uuid, name string, err error) {
	m, err := r.GetByUUID(ctx, sourceUUID)
	if err != nil {
		return "", "", err
	}
	if m == nil {
		return "", "", fmt.Errorf("%w: no mapping for uuid %s", ErrUnresolved, sourceUUID)
	}
	target := m.UUIDFor(targetInstance)
	if target == "" {
		return "", m.Name, fmt.Errorf("%w: %s not yet on %s", ErrUnresolved, m.Name, targetInstance)
	}
	return target, m.Name, nil
}

// CreateCompleteMapping upserts both sides. Conflict resolution preserves
// the previously-known non-null side (COALESCE semantics): passing "" for
// a side never clears an existing UUID.
func (r *Resolver) CreateCompleteMapping(ctx context.Context, name, primaryUUID, replicaUUID string) error {
	unlock := r.locks.LockMapping()
	defer unlock()
	return r.upsert(ctx, name, nullable(primaryUUID), nullable(replicaUUID))
}

// SetSide records one instance's UUID for a name.
func (r *Resolver) SetSide(ctx context.Context, name, instance, uuid string) error {
	unlock := r.locks.LockMapping()
	defer unlock()
	if instance == backend.Primary {
		return r.upsert(ctx, name, nullable(uuid), nil)
	}
	return r.upsert(ctx, name, nil, nullable(uuid))
}

func (r *Resolver) upsert(ctx context.Context, name string, primaryUUID, replicaUUID *string) error {
	var query string
	switch r.store.Dialect() {
	case store.DialectMySQL:
		query = `
			INSERT INTO collection_mappings (collection_name, primary_uuid, replica_uuid)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
				primary_uuid = COALESCE(VALUES(primary_uuid), primary_uuid),
				replica_uuid = COALESCE(VALUES(replica_uuid), replica_uuid),
				updated_at = CURRENT_TIMESTAMP`
	default:
		query = `
			INSERT INTO collection_mappings (collection_name, primary_uuid, replica_uuid)
			VALUES (?, ?, ?)
			ON CONFLICT(collection_name) DO UPDATE SET
				primary_uuid = COALESCE(excluded.primary_uuid, collection_mappings.primary_uuid),
				replica_uuid = COALESCE(excluded.replica_uuid, collection_mappings.replica_uuid),
				updated_at = CURRENT_TIMESTAMP`
	}
	_, err := r.store.ExecContext(ctx, query, name, primaryUUID, replicaUUID)
	return err
}

// DeleteSide clears one instance's UUID; when both sides are now null the
// row is deleted (invariant: a surviving row has at least one UUID).
func (r *Resolver) DeleteSide(ctx context.Context, name, instance string) error {
	col, err := uuidColumn(instance)
	if err != nil {
		return err
	}
	unlock := r.locks.LockMapping()
	defer unlock()

	if _, err := r.store.ExecContext(ctx, fmt.Sprintf(`
		UPDATE collection_mappings SET %s = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE collection_name = ?`, col), name); err != nil {
		return err
	}
	_, err = r.store.ExecContext(ctx, `
		DELETE FROM collection_mappings
		WHERE collection_name = ? AND primary_uuid IS NULL AND replica_uuid IS NULL`, name)
	return err
}

// Delete removes the mapping row outright. Used when both instances have
// confirmed the collection is gone.
func (r *Resolver) Delete(ctx context.Context, name string) error {
	unlock := r.locks.LockMapping()
	defer unlock()
	_, err := r.store.ExecContext(ctx, `DELETE FROM collection_mappings WHERE collection_name = ?`, name)
	return err
}

// IncompleteFor lists mappings whose side for the given instance is null
// while the other side is populated. The recovery coordinator recreates
// these on the recovered instance.
func (r *Resolver) IncompleteFor(ctx context.Context, instance string) ([]Mapping, error) {
	col, err := uuidColumn(instance)
	if err != nil {
		return nil, err
	}
	other := "replica_uuid"
	if col == "replica_uuid" {
		other = "primary_uuid"
	}
	rows, err := r.store.QueryContext(ctx, fmt.Sprintf(`
		SELECT collection_name, primary_uuid, replica_uuid, created_at, updated_at
		FROM collection_mappings
		WHERE %s IS NULL AND %s IS NOT NULL`, col, other))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		var primaryUUID, replicaUUID sql.NullString
		var created, updated sql.NullTime
		if err := rows.Scan(&m.Name, &primaryUUID, &replicaUUID, &created, &updated); err != nil {
			return nil, err
		}
		m.PrimaryUUID = primaryUUID.String
		m.ReplicaUUID = replicaUUID.String
		m.CreatedAt = created.Time
		m.UpdatedAt = updated.Time
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
