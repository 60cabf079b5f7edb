package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []struct {
	name string
	stmt string
}{
	{"interfaces", `CREATE TABLE IF NOT EXISTS interfaces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'INIT',
		last_connected INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
	{"nodes", `CREATE TABLE IF NOT EXISTS nodes (
		num INTEGER PRIMARY KEY,
		node_id TEXT NOT NULL,
		long_name TEXT NOT NULL DEFAULT '',
		short_name TEXT NOT NULL DEFAULT '',
		hw_model TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		public_key BLOB,
		is_licensed INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_heard INTEGER NOT NULL
	)`},
	{"packets", `CREATE TABLE IF NOT EXISTS packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interface_id INTEGER REFERENCES interfaces(id) ON DELETE SET NULL,
		from_num INTEGER NOT NULL,
		to_num INTEGER NOT NULL,
		mesh_packet_id INTEGER NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		channel_index INTEGER NOT NULL DEFAULT 0,
		gateway_id TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		hop_limit INTEGER NOT NULL DEFAULT 0,
		hop_start INTEGER NOT NULL DEFAULT 0,
		want_ack INTEGER NOT NULL DEFAULT 0,
		via_mqtt INTEGER NOT NULL DEFAULT 0,
		pki_encrypted INTEGER NOT NULL DEFAULT 0,
		encrypted INTEGER NOT NULL DEFAULT 0,
		rx_snr REAL NOT NULL DEFAULT 0,
		rx_rssi INTEGER NOT NULL DEFAULT 0,
		rx_time INTEGER,
		received_at INTEGER NOT NULL
	)`},
	{"packets_from_index", `CREATE INDEX IF NOT EXISTS idx_packets_from ON packets(from_num, mesh_packet_id)`},
	{"routes", `CREATE TABLE IF NOT EXISTS routes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		route_key TEXT NOT NULL UNIQUE,
		nodes TEXT NOT NULL,
		hops INTEGER NOT NULL
	)`},
	{"packet_data", `CREATE TABLE IF NOT EXISTS packet_data (
		packet_id INTEGER PRIMARY KEY REFERENCES packets(id) ON DELETE CASCADE,
		port INTEGER NOT NULL,
		port_name TEXT NOT NULL,
		raw_payload BLOB,
		want_response INTEGER NOT NULL DEFAULT 0,
		request_id INTEGER NOT NULL DEFAULT 0,
		reply_id INTEGER NOT NULL DEFAULT 0,
		source INTEGER NOT NULL DEFAULT 0,
		dest INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		payload TEXT
	)`},
	{"neighbors", `CREATE TABLE IF NOT EXISTS neighbors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_id INTEGER NOT NULL REFERENCES packets(id) ON DELETE CASCADE,
		reporting_node INTEGER NOT NULL,
		node INTEGER NOT NULL,
		snr REAL NOT NULL,
		last_rx_time INTEGER,
		broadcast_interval_secs INTEGER NOT NULL DEFAULT 0
	)`},
	{"node_links", `CREATE TABLE IF NOT EXISTS node_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_a INTEGER NOT NULL,
		node_b INTEGER NOT NULL,
		a_to_b_packets INTEGER NOT NULL DEFAULT 0,
		b_to_a_packets INTEGER NOT NULL DEFAULT 0,
		total_packets INTEGER NOT NULL DEFAULT 0,
		channels TEXT NOT NULL DEFAULT '[]',
		first_seen INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		last_packet_id INTEGER REFERENCES packets(id) ON DELETE SET NULL,
		bidirectional INTEGER NOT NULL DEFAULT 0,
		UNIQUE (node_a, node_b),
		CHECK (node_a < node_b)
	)`},
	{"jobs", `CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		payload_type TEXT NOT NULL,
		from_node TEXT NOT NULL DEFAULT '',
		to_node TEXT NOT NULL DEFAULT '',
		channel_name TEXT NOT NULL,
		channel_key TEXT NOT NULL DEFAULT '',
		gateway_node TEXT NOT NULL DEFAULT '',
		hop_limit INTEGER NOT NULL DEFAULT 3,
		hop_start INTEGER NOT NULL DEFAULT 3,
		want_ack INTEGER NOT NULL DEFAULT 0,
		pki_encrypted INTEGER NOT NULL DEFAULT 0,
		payload_options TEXT NOT NULL DEFAULT '{}',
		period_seconds INTEGER NOT NULL DEFAULT 300,
		next_run_at INTEGER NOT NULL,
		last_run_at INTEGER,
		last_status TEXT NOT NULL DEFAULT 'idle',
		last_error_message TEXT NOT NULL DEFAULT '',
		interface_id INTEGER REFERENCES interfaces(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
	{"jobs_due_index", `CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_run_at)`},
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, s := range schema {
		if _, err := db.ExecContext(ctx, s.stmt); err != nil {
			return fmt.Errorf("sqlite: migrate %s: %w", s.name, err)
		}
	}
	return nil
}
