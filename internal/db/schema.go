package db

// schema is applied at open. All statements are idempotent; secondary
// indices mirror the lookup paths the engine uses (tasks by sync status
// and farm, queue by status and timestamp, photos by task and upload
// status).
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	farm_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	due_date INTEGER,
	version INTEGER NOT NULL DEFAULT 0,
	sync_status TEXT NOT NULL DEFAULT 'pending',
	last_sync_time INTEGER,
	local_changes TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_sync_status ON tasks(sync_status);
CREATE INDEX IF NOT EXISTS idx_tasks_farm ON tasks(farm_id);

CREATE TABLE IF NOT EXISTS photos (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	data BLOB NOT NULL,
	captured_at INTEGER NOT NULL,
	latitude REAL,
	longitude REAL,
	upload_status TEXT NOT NULL DEFAULT 'pending',
	sync_status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_photos_task ON photos(task_id);
CREATE INDEX IF NOT EXISTS idx_photos_upload_status ON photos(upload_status);

CREATE TABLE IF NOT EXISTS sync_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_timestamp ON sync_queue(timestamp);

CREATE TABLE IF NOT EXISTS sync_status (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_time INTEGER,
	is_online INTEGER NOT NULL DEFAULT 0,
	pending_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS conflict_log (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	local_updated_at INTEGER NOT NULL,
	remote_updated_at INTEGER NOT NULL,
	resolution TEXT NOT NULL,
	detected_at INTEGER NOT NULL
);
`
