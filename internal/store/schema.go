package store

// sqliteSchema is the baseline schema for the SQLite backend. Schema changes
// after the baseline go through migrations (see migrate.go).
const sqliteSchema = `
-- Write-ahead log of mutating requests awaiting replication
CREATE TABLE IF NOT EXISTS wal_writes (
    write_id TEXT PRIMARY KEY,
    method TEXT NOT NULL,
    original_method TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    body BLOB,
    headers TEXT NOT NULL DEFAULT '{}',
    target_instance TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    synced_instances TEXT NOT NULL DEFAULT '[]',
    collection_id TEXT NOT NULL DEFAULT '',
    executed_on TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    original_body BLOB,
    conversion_type TEXT NOT NULL DEFAULT '',
    next_retry_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    executed_at DATETIME,
    synced_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    data_size_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_wal_status_priority_created
    ON wal_writes(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_wal_target_status
    ON wal_writes(target_instance, status);
CREATE INDEX IF NOT EXISTS idx_wal_collection_status
    ON wal_writes(collection_id, status);
CREATE INDEX IF NOT EXISTS idx_wal_next_retry
    ON wal_writes(next_retry_at);

-- Collection name to per-instance UUID mapping
CREATE TABLE IF NOT EXISTS collection_mappings (
    collection_name TEXT PRIMARY KEY,
    primary_uuid TEXT,
    replica_uuid TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_mappings_primary_uuid ON collection_mappings(primary_uuid);
CREATE INDEX IF NOT EXISTS idx_mappings_replica_uuid ON collection_mappings(replica_uuid);

-- Pre-execution transaction safety log
CREATE TABLE IF NOT EXISTS transaction_log (
    transaction_id TEXT PRIMARY KEY,
    client_session TEXT NOT NULL DEFAULT '',
    client_ip TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    body TEXT,
    headers TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'ATTEMPTING',
    operation_type TEXT NOT NULL DEFAULT '',
    target_instance TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    response_status INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    next_retry_at DATETIME,
    is_timing_gap_failure INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    attempted_at DATETIME,
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_txlog_status_retry
    ON transaction_log(status, next_retry_at);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// mysqlSchema mirrors sqliteSchema for the MySQL backend. Kept as separate
// DDL rather than translated at runtime: the dialects disagree on enough
// details (BLOB sizing, index syntax, DESC indexes) that translation is
// more fragile than duplication.
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS wal_writes (
    write_id VARCHAR(64) PRIMARY KEY,
    method VARCHAR(16) NOT NULL,
    original_method VARCHAR(16) NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    body LONGBLOB,
    headers TEXT NOT NULL,
    target_instance VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    synced_instances TEXT NOT NULL,
    collection_id VARCHAR(512) NOT NULL DEFAULT '',
    executed_on VARCHAR(16) NOT NULL DEFAULT '',
    retry_count INT NOT NULL DEFAULT 0,
    priority INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL,
    original_body LONGBLOB,
    conversion_type VARCHAR(32) NOT NULL DEFAULT '',
    next_retry_at DATETIME NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    executed_at DATETIME NULL,
    synced_at DATETIME NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    data_size_bytes BIGINT NOT NULL DEFAULT 0,
    INDEX idx_wal_status_priority_created (status, priority, created_at),
    INDEX idx_wal_target_status (target_instance, status),
    INDEX idx_wal_collection_status (collection_id(255), status),
    INDEX idx_wal_next_retry (next_retry_at)
);

CREATE TABLE IF NOT EXISTS collection_mappings (
    collection_name VARCHAR(512) PRIMARY KEY,
    primary_uuid VARCHAR(64) NULL,
    replica_uuid VARCHAR(64) NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_mappings_primary_uuid (primary_uuid),
    INDEX idx_mappings_replica_uuid (replica_uuid)
);

CREATE TABLE IF NOT EXISTS transaction_log (
    transaction_id VARCHAR(64) PRIMARY KEY,
    client_session VARCHAR(128) NOT NULL DEFAULT '',
    client_ip VARCHAR(64) NOT NULL DEFAULT '',
    user_id VARCHAR(128) NOT NULL DEFAULT '',
    method VARCHAR(16) NOT NULL,
    path TEXT NOT NULL,
    body LONGTEXT,
    headers TEXT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'ATTEMPTING',
    operation_type VARCHAR(32) NOT NULL DEFAULT '',
    target_instance VARCHAR(16) NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL,
    response_status INT NOT NULL DEFAULT 0,
    retry_count INT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL DEFAULT 3,
    next_retry_at DATETIME NULL,
    is_timing_gap_failure TINYINT NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    attempted_at DATETIME NULL,
    completed_at DATETIME NULL,
    INDEX idx_txlog_status_retry (status, next_retry_at)
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
