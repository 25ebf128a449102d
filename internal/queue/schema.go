package queue

import "heimdallr/internal/storage"

// schemaVersion is bumped whenever the layout below changes.
const schemaVersion = 1

var schema = storage.Schema{
	Name:    "queue",
	Version: schemaVersion,
	SQL: `
CREATE TABLE queue_items (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id        TEXT NOT NULL UNIQUE,
    modality       TEXT,
    source_path    TEXT NOT NULL,
    status         TEXT NOT NULL,
    stage          TEXT,
    attempts       INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT,
    archive_path   TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    started_at     TEXT,
    finished_at    TEXT,
    last_heartbeat TEXT
);
CREATE INDEX idx_queue_items_status ON queue_items(status, created_at);
`,
}
