package repository

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS notifications (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient_type  TEXT    NOT NULL,
	recipient_id    INTEGER NOT NULL,
	title           TEXT    NOT NULL,
	message         TEXT    NOT NULL DEFAULT '',
	data            TEXT    NOT NULL DEFAULT '{}',
	is_read         INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	idempotency_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_notifications_recipient
	ON notifications (recipient_type, recipient_id, id DESC);

CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_idempotency
	ON notifications (recipient_type, recipient_id, idempotency_key);

CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
