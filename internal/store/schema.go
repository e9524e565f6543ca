package store

// The partial unique index on instances is what makes two concurrent starts
// for the same (owner, exercise) resolve deterministically: exactly one
// insert commits, the other observes a unique violation.
const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id              UUID PRIMARY KEY,
	owner           TEXT NOT NULL,
	exercise_id     TEXT NOT NULL,
	backend_handle  TEXT NOT NULL,
	host            TEXT NOT NULL DEFAULT '',
	ports           JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	extension_count INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'active'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_one_active
	ON instances (owner, exercise_id) WHERE status = 'active';

CREATE INDEX IF NOT EXISTS idx_instances_expires_at
	ON instances (expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS flag_records (
	instance_id UUID PRIMARY KEY REFERENCES instances(id) ON DELETE CASCADE,
	ciphertext  BYTEA NOT NULL,
	key_id      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	actor       TEXT NOT NULL,
	exercise_id TEXT NOT NULL,
	instance_id UUID REFERENCES instances(id) ON DELETE SET NULL,
	action      TEXT NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_actor_time
	ON audit_events (actor, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_action_time
	ON audit_events (action, created_at);

CREATE TABLE IF NOT EXISTS runtime_policies (
	exercise_id          TEXT PRIMARY KEY,
	base_seconds         INTEGER NOT NULL,
	extension_seconds    INTEGER NOT NULL,
	max_extensions       INTEGER NOT NULL,
	lifetime_cap_seconds INTEGER NOT NULL
);
`
