package sqlstore

// Every instant is stored as unix milliseconds so both dialects share one
// schema and one set of queries.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS timers (
	id               TEXT    NOT NULL,
	task_id          TEXT    NOT NULL,
	purpose          TEXT    NOT NULL,
	sla_type         TEXT    NOT NULL DEFAULT '',
	fire_at          BIGINT  NOT NULL,
	deadline         BIGINT  NOT NULL DEFAULT 0,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	generation       BIGINT  NOT NULL DEFAULT 0,
	state            TEXT    NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	lease_owner      TEXT,
	lease_expires_at BIGINT,
	last_error       TEXT    NOT NULL DEFAULT '',
	updated_at       BIGINT  NOT NULL,
	PRIMARY KEY (task_id, purpose)
)`,
	`CREATE INDEX IF NOT EXISTS idx_timers_due ON timers (state, fire_at)`,
	`CREATE TABLE IF NOT EXISTS sla_events (
	id                TEXT    PRIMARY KEY,
	task_id           TEXT    NOT NULL,
	event_type        TEXT    NOT NULL,
	severity          TEXT    NOT NULL,
	sla_type          TEXT    NOT NULL,
	expected_deadline BIGINT  NOT NULL,
	actual_time       BIGINT,
	escalation_level  INTEGER NOT NULL DEFAULT 0,
	recipient         TEXT    NOT NULL DEFAULT '',
	triggered_at      BIGINT  NOT NULL,
	published_at      BIGINT,
	notify_count      INTEGER NOT NULL DEFAULT 1,
	UNIQUE (task_id, sla_type, event_type, escalation_level)
)`,
	`CREATE INDEX IF NOT EXISTS idx_sla_events_task ON sla_events (task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sla_events_unpublished ON sla_events (published_at, triggered_at)`,
	`CREATE TABLE IF NOT EXISTS escalation_state (
	task_id    TEXT    NOT NULL,
	sla_type   TEXT    NOT NULL,
	state      TEXT    NOT NULL,
	level      INTEGER NOT NULL DEFAULT 0,
	updated_at BIGINT  NOT NULL,
	PRIMARY KEY (task_id, sla_type)
)`,
	`CREATE TABLE IF NOT EXISTS task_snapshots (
	task_id    TEXT   PRIMARY KEY,
	body       TEXT   NOT NULL,
	updated_at BIGINT NOT NULL
)`,
}
