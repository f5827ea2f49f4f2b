package persistence

// schemaV1 creates every control-plane table. Timestamps are INTEGER unix
// milliseconds (UTC).
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS intents (
		intent_id TEXT PRIMARY KEY,
		intent_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		submitter TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL UNIQUE,
		idempotency_key TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL,
		submitted_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		submitter TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		intent_type TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (submitter, idempotency_key)
	);`,
	`CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL UNIQUE,
		correlation_id TEXT NOT NULL UNIQUE,
		intent_type TEXT NOT NULL,
		target TEXT NOT NULL,
		executor TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('QUEUED','RUNNING','WAITING_PROVIDER','WAITING_DAUGHTER','DONE','ERROR','CANCELLED')),
		steps TEXT NOT NULL DEFAULT '[]',
		result TEXT,
		last_error TEXT,
		last_error_code TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plans_state ON plans(state);`,
	`CREATE TABLE IF NOT EXISTS windows (
		window_id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL,
		closes_at INTEGER NOT NULL,
		opened_by_plan_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('OPEN','EXPIRED','CLOSED')),
		ended_at INTEGER
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_one_open_per_target ON windows(target) WHERE state = 'OPEN';`,
	`CREATE TABLE IF NOT EXISTS window_holders (
		window_id TEXT NOT NULL REFERENCES windows(window_id),
		plan_id TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (window_id, plan_id)
	);`,
	`CREATE TABLE IF NOT EXISTS providers (
		provider_id TEXT PRIMARY KEY,
		url TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		health_state TEXT NOT NULL DEFAULT 'UNKNOWN',
		score REAL NOT NULL DEFAULT 0 CHECK (score >= -1.0 AND score <= 1.0),
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		last_outcome TEXT NOT NULL DEFAULT '',
		last_outcome_at INTEGER NOT NULL DEFAULT 0,
		breaker_state TEXT NOT NULL DEFAULT 'CLOSED',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		opened_at INTEGER NOT NULL DEFAULT 0,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS daughters (
		daughter_id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		ttl_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('STARTING','RUNNING','COMPLETED','FAILED','TIMED_OUT')),
		result TEXT,
		error TEXT,
		handle TEXT NOT NULL DEFAULT '',
		plan_id TEXT NOT NULL DEFAULT '',
		step_index INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		missed_probes INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER,
		reaped_at INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_daughters_state ON daughters(state);`,
	`CREATE INDEX IF NOT EXISTS idx_daughters_plan ON daughters(plan_id);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		incident_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
		subject TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		occurrence_count INTEGER NOT NULL DEFAULT 1,
		open INTEGER NOT NULL DEFAULT 1,
		scanner_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		resolved_at INTEGER
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_dedup ON incidents(dedup_key) WHERE open = 1;`,
	`CREATE TABLE IF NOT EXISTS pheromones (
		pheromone_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('REPAIR','BUILD','CLEAN','VIGILAR','REORGANIZE')),
		emitted_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		incident_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_pheromones_expiry ON pheromones(kind, expires_at);`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		correlation_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		before_state TEXT,
		after_state TEXT,
		ts INTEGER NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
		BEFORE UPDATE ON audit_events
		BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
		BEFORE DELETE ON audit_events
		BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;`,
}

// countedTables are reported by TableCounts.
var countedTables = []string{"intents", "plans", "windows", "providers", "daughters", "incidents", "audit_events"}
