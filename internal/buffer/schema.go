package buffer

// Timestamps are stored as unix nanoseconds (UTC) so ordering and range
// predicates stay integer comparisons.
const schema = `
CREATE TABLE IF NOT EXISTS samples (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id      TEXT    NOT NULL UNIQUE,
	device_id      TEXT    NOT NULL DEFAULT '',
	ts_ns          INTEGER NOT NULL,
	monotonic_ns   INTEGER NOT NULL DEFAULT 0,
	latitude       REAL    NOT NULL,
	longitude      REAL    NOT NULL,
	accuracy       REAL    NOT NULL,
	speed          REAL,
	schema_version TEXT    NOT NULL DEFAULT '',
	state          TEXT    NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT    NOT NULL DEFAULT '',
	updated_ns     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_state_seq ON samples(state, seq);
CREATE INDEX IF NOT EXISTS idx_samples_state_ts ON samples(state, ts_ns, client_id);

CREATE TABLE IF NOT EXISTS sync_cursor (
	device_id      TEXT    PRIMARY KEY,
	session_id     TEXT    NOT NULL DEFAULT '',
	last_ts_ns     INTEGER NOT NULL,
	last_client_id TEXT    NOT NULL,
	revision       INTEGER NOT NULL,
	updated_ns     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS purged_ranges (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	from_ns   INTEGER NOT NULL,
	to_ns     INTEGER NOT NULL,
	purged_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregate_windows (
	resolution_ns   INTEGER NOT NULL,
	window_start_ns INTEGER NOT NULL,
	payload         BLOB    NOT NULL,
	PRIMARY KEY (resolution_ns, window_start_ns)
);
`

const sampleColumns = `seq, client_id, device_id, ts_ns, monotonic_ns, latitude, longitude, accuracy, speed,
	schema_version, state, retry_count, last_error, updated_ns`

const stateSchema = `
CREATE TABLE IF NOT EXISTS agent_state (
	key      TEXT    PRIMARY KEY,
	value_ns INTEGER NOT NULL
);
`
