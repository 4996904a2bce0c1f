package sqlite

// schema is applied on every open; all statements are idempotent.
// Timestamps are unix nanoseconds so ordering and round trips are exact.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	protocol_id  TEXT NOT NULL,
	order_id     TEXT,
	patient_id   TEXT,
	test_id      TEXT,
	status       TEXT NOT NULL,
	current_step INTEGER NOT NULL,
	steps        TEXT NOT NULL,
	data         TEXT NOT NULL DEFAULT '{}',
	results      TEXT,
	reason       TEXT,
	owner        TEXT,
	version      INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions (created_at, id);

CREATE TABLE IF NOT EXISTS captures (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	step_id         TEXT NOT NULL,
	step_order      INTEGER NOT NULL,
	kind            TEXT NOT NULL,
	artifact        TEXT,
	value           TEXT,
	service         TEXT,
	analysis_kind   TEXT,
	analysis_status TEXT NOT NULL,
	result          TEXT,
	confidence      REAL,
	error           TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	analyzed_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_captures_session ON captures (session_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event_type    TEXT NOT NULL,
	before_status TEXT,
	after_status  TEXT,
	actor         TEXT,
	comment       TEXT,
	step_order    INTEGER,
	capture_id    TEXT,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (session_id, id);
`
