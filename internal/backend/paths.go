package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// Default tenant/database used when legacy paths omit them.
const (
	DefaultTenant   = "default_tenant"
	DefaultDatabase = "default_database"
)

// Document-level operations that appear as the trailing path segment under
// a collection.
const (
	OpAdd    = "add"
	OpUpsert = "upsert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpGet    = "get"
	OpQuery  = "query"
	OpCount  = "count"
)

var docOps = map[string]bool{
	OpAdd: true, OpUpsert: true, OpUpdate: true, OpDelete: true,
	OpGet: true, OpQuery: true, OpCount: true,
}

// readOps are the document operations that do not mutate state.
var readOps = map[string]bool{OpGet: true, OpQuery: true, OpCount: true}

// ParsedPath is the decomposed canonical collections path.
type ParsedPath struct {
	Tenant       string
	Database     string
	CollectionID string // name or UUID as it appears in the path; empty for the collections root
	Op           string // document operation segment; empty for collection-level paths
}

// IsCollectionsRoot reports whether the path addresses the collections
// listing/creation endpoint rather than a specific collection.
func (p ParsedPath) IsCollectionsRoot() bool { return p.CollectionID == "" }

// NormalizePath translates legacy path shapes to the canonical
// tenant/database/collections hierarchy:
//
//	/api/v1/collections/...  ->  /api/v2/tenants/default_tenant/databases/default_database/collections/...
//	/api/v2/collections/...  ->  same expansion
//
// Canonical paths and non-collection paths pass through unchanged.
func NormalizePath(path string) string {
	for _, prefix := range []string{"/api/v1/collections", "/api/v2/collections"} {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			rest := strings.TrimPrefix(path, prefix)
			return fmt.Sprintf("/api/v2/tenants/%s/databases/%s/collections%s",
				DefaultTenant, DefaultDatabase, rest)
		}
	}
	return path
}

// ParsePath decomposes a canonical collections path. Returns false for
// paths outside the collections hierarchy (heartbeat, version, etc.).
// Callers should NormalizePath first.
func ParsePath(path string) (ParsedPath, bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	// api/v2/tenants/{t}/databases/{d}/collections[/{id}[/{op}]]
	if len(segs) < 7 || segs[0] != "api" || segs[1] != "v2" ||
		segs[2] != "tenants" || segs[4] != "databases" || segs[6] != "collections" {
		return ParsedPath{}, false
	}
	p := ParsedPath{Tenant: segs[3], Database: segs[5]}
	if len(segs) >= 8 {
		p.CollectionID = segs[7]
	}
	if len(segs) >= 9 {
		if !docOps[segs[8]] {
			return ParsedPath{}, false
		}
		p.Op = segs[8]
	}
	if len(segs) > 9 {
		return ParsedPath{}, false
	}
	return p, true
}

// String rebuilds the canonical path.
func (p ParsedPath) String() string {
	path := fmt.Sprintf("/api/v2/tenants/%s/databases/%s/collections", p.Tenant, p.Database)
	if p.CollectionID != "" {
		path += "/" + p.CollectionID
	}
	if p.Op != "" {
		path += "/" + p.Op
	}
	return path
}

// WithCollectionID returns a copy addressing a different collection.
func (p ParsedPath) WithCollectionID(id string) ParsedPath {
	p.CollectionID = id
	return p
}

// CollectionsPath builds the collections root path for a tenant/database.
func CollectionsPath(tenant, database string) string {
	return ParsedPath{Tenant: tenant, Database: database}.String()
}

// IsRead classifies a request as a read: GET always, plus POSTs whose
// trailing segment is get/query/count.
func IsRead(method, path string) bool {
	if method == "GET" {
		return true
	}
	if method != "POST" {
		return false
	}
	p, ok := ParsePath(NormalizePath(path))
	return ok && readOps[p.Op]
}

// IsCollectionCreate reports a POST to the collections root.
func IsCollectionCreate(method, path string) bool {
	if method != "POST" {
		return false
	}
	p, ok := ParsePath(NormalizePath(path))
	return ok && p.IsCollectionsRoot()
}

// IsCollectionDelete reports a DELETE addressing a collection.
func IsCollectionDelete(method, path string) bool {
	if method != "DELETE" {
		return false
	}
	p, ok := ParsePath(NormalizePath(path))
	return ok && p.CollectionID != "" && p.Op == ""
}

// IsDocumentDelete reports a POST .../delete (the backend's document
// deletion shape).
func IsDocumentDelete(method, path string) bool {
	if method != "POST" && method != "DELETE" {
		return false
	}
	p, ok := ParsePath(NormalizePath(path))
	return ok && p.Op == OpDelete
}

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// LooksLikeUUID reports whether s has UUID shape. Collection path segments
// are either client-visible names or instance-local UUIDs; this is how the
// two are told apart.
func LooksLikeUUID(s string) bool {
	return uuidRe.MatchString(s)
}
