package store

// Schema for the coordination database. The driver side creates the same
// tables, so everything is IF NOT EXISTS and column names are shared
// contract, not internal detail.
const schema = `
CREATE TABLE IF NOT EXISTS test_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_type TEXT NOT NULL CHECK(request_type IN ('all', 'class', 'method', 'category')),
	test_filter TEXT,
	test_platform TEXT NOT NULL CHECK(test_platform IN ('EditMode', 'PlayMode', 'Both')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	priority INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	result_summary TEXT,
	error_message TEXT,
	total_tests INTEGER DEFAULT 0,
	passed_tests INTEGER DEFAULT 0,
	failed_tests INTEGER DEFAULT 0,
	skipped_tests INTEGER DEFAULT 0,
	duration_seconds REAL DEFAULT 0.0
);

CREATE TABLE IF NOT EXISTS test_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id INTEGER NOT NULL,
	test_name TEXT NOT NULL,
	test_class TEXT,
	test_method TEXT,
	result TEXT NOT NULL CHECK(result IN ('Passed', 'Failed', 'Skipped', 'Inconclusive')),
	duration_ms REAL DEFAULT 0.0,
	error_message TEXT,
	stack_trace TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (request_id) REFERENCES test_requests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS asset_refresh_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	refresh_type TEXT NOT NULL DEFAULT 'full' CHECK(refresh_type IN ('full', 'selective')),
	paths TEXT,
	import_options TEXT DEFAULT 'default' CHECK(import_options IN ('default', 'synchronous', 'force_update')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	priority INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	duration_seconds REAL DEFAULT 0.0,
	result_message TEXT,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS execution_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id INTEGER,
	log_level TEXT NOT NULL CHECK(log_level IN ('DEBUG', 'INFO', 'WARNING', 'ERROR')),
	message TEXT NOT NULL,
	source TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (request_id) REFERENCES test_requests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS console_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	log_level TEXT NOT NULL CHECK(log_level IN ('Info', 'Warning', 'Error', 'Exception', 'Assert')),
	message TEXT NOT NULL,
	stack_trace TEXT,
	truncated_stack TEXT,
	source_file TEXT,
	source_line INTEGER,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	frame_count INTEGER,
	is_truncated BOOLEAN DEFAULT 0,
	context TEXT,
	request_id INTEGER,
	FOREIGN KEY (request_id) REFERENCES test_requests(id)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON test_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_created ON test_requests(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_request ON test_results(request_id);
CREATE INDEX IF NOT EXISTS idx_log_request ON execution_log(request_id);
CREATE INDEX IF NOT EXISTS idx_refresh_status ON asset_refresh_requests(status);
CREATE INDEX IF NOT EXISTS idx_refresh_created ON asset_refresh_requests(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_console_logs_session ON console_logs(session_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_console_logs_level ON console_logs(log_level, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_console_logs_request ON console_logs(request_id, timestamp DESC);
`
