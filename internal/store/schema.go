package store

// schema is the logical layout from spec.md §4.A, translated to SQLite
// DDL. Grounded on the teacher's single `const schema = ...` shape in
// slidechain's schema.go.
const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	height INTEGER NOT NULL PRIMARY KEY,
	hash   BLOB NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS contracts (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL,
	height   INTEGER NOT NULL,
	tx_index INTEGER NOT NULL,
	bytes    BLOB NOT NULL,
	UNIQUE (name, height, tx_index)
);

CREATE TABLE IF NOT EXISTS contract_state (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id INTEGER NOT NULL,
	path        TEXT NOT NULL,
	height      INTEGER NOT NULL,
	tx_index    INTEGER NOT NULL,
	value       BLOB,
	deleted     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS contract_state_lookup
	ON contract_state (contract_id, path, height DESC, tx_index DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
	height INTEGER NOT NULL PRIMARY KEY,
	hash   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contract_results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	height        INTEGER NOT NULL,
	tx_index      INTEGER NOT NULL,
	input_index   INTEGER NOT NULL,
	op_index      INTEGER NOT NULL,
	result_index  INTEGER NOT NULL,
	txid          BLOB NOT NULL,
	contract_id   INTEGER,
	func          TEXT,
	gas_used      INTEGER NOT NULL,
	value         BLOB,
	UNIQUE (height, tx_index, input_index, op_index, result_index)
);
CREATE INDEX IF NOT EXISTS contract_results_by_txid
	ON contract_results (txid, input_index, op_index);

CREATE TABLE IF NOT EXISTS file_metadata (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id         TEXT NOT NULL UNIQUE,
	merkle_root     BLOB NOT NULL,
	padded_len      INTEGER NOT NULL,
	original_size   INTEGER NOT NULL,
	historical_root BLOB,
	height          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS file_metadata_by_height ON file_metadata (height);

CREATE TABLE IF NOT EXISTS challenges (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	challenge_id BLOB NOT NULL UNIQUE,
	agreement_id TEXT NOT NULL,
	height       INTEGER NOT NULL,
	node_id      TEXT NOT NULL,
	chunk_start  INTEGER NOT NULL,
	chunk_end    INTEGER NOT NULL,
	deadline     INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS challenges_by_height ON challenges (height);
CREATE INDEX IF NOT EXISTS challenges_by_deadline ON challenges (deadline);
`
