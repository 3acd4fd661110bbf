package evidence

// schema creates the three public tables plus the ownership links. Timestamps are
// UTC text in timeLayout so that they sort lexically on both backends.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS analysis_sessions (
		id {{id}},
		start_time TEXT NOT NULL,
		end_time TEXT,
		total_layers {{bigint}} NOT NULL DEFAULT 0,
		deepest_layer {{bigint}} NOT NULL DEFAULT 0,
		privilege_level TEXT NOT NULL,
		system_info TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nested_findings (
		id {{id}},
		timestamp TEXT NOT NULL,
		layer {{bigint}} NOT NULL CHECK (layer BETWEEN 1 AND 6),
		artifact_type TEXT NOT NULL,
		location TEXT NOT NULL,
		description TEXT NOT NULL,
		evidence_hash TEXT,
		depth_score {{bigint}} NOT NULL CHECK (depth_score BETWEEN 1 AND 6),
		metadata TEXT NOT NULL,
		file_size {{bigint}},
		permissions TEXT,
		ioc_confidence {{real}} NOT NULL CHECK (ioc_confidence BETWEEN 0 AND 1),
		threat_level TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS iocs (
		id {{id}},
		ioc_type TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence {{real}} NOT NULL CHECK (confidence BETWEEN 0 AND 1),
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		source_finding_id {{bigint}} NOT NULL REFERENCES nested_findings(id),
		UNIQUE (ioc_type, value)
	)`,
	`CREATE TABLE IF NOT EXISTS session_findings (
		session_id {{bigint}} NOT NULL REFERENCES analysis_sessions(id) ON DELETE CASCADE,
		finding_id {{bigint}} NOT NULL REFERENCES nested_findings(id) ON DELETE CASCADE,
		PRIMARY KEY (session_id, finding_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ioc_contributions (
		ioc_id {{bigint}} NOT NULL REFERENCES iocs(id) ON DELETE CASCADE,
		finding_id {{bigint}} NOT NULL REFERENCES nested_findings(id) ON DELETE CASCADE,
		PRIMARY KEY (ioc_id, finding_id)
	)`,
	`CREATE INDEX IF NOT EXISTS nested_findings_timestamp ON nested_findings (timestamp)`,
	`CREATE INDEX IF NOT EXISTS iocs_last_seen ON iocs (last_seen)`,
	`CREATE INDEX IF NOT EXISTS session_findings_finding ON session_findings (finding_id)`,
	`CREATE INDEX IF NOT EXISTS ioc_contributions_finding ON ioc_contributions (finding_id)`,
}
