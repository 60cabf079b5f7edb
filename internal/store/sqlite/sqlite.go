// Package sqlite implements the store interfaces on SQLite through the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/model"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed store.Store. It keeps a single connection so
// every write is serialized and read-modify-write transactions cannot
// interleave inside the process; busy_timeout covers other processes.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: database path must be provided")
	}
	if path != MemoryPath {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: resolve path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: ensure directory: %w", err)
		}
		path = abs
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := configureConnection(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Path returns the resolved database path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func configureConnection(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

//
// ---------- Interfaces ----------
//

type interfaceConfig struct {
	MQTT   *model.MQTTConfig   `json:"mqtt,omitempty"`
	Serial *model.SerialConfig `json:"serial,omitempty"`
	TCP    *model.TCPConfig    `json:"tcp,omitempty"`
}

const interfaceColumns = `id, name, kind, enabled, status, last_connected, last_error, config, created_at, updated_at`

func scanInterface(row interface{ Scan(...any) error }) (model.Interface, error) {
	var (
		iface         model.Interface
		kind, status  string
		enabled       bool
		lastConnected sql.NullInt64
		config        string
		created       int64
		updated       int64
	)
	if err := row.Scan(&iface.ID, &iface.Name, &kind, &enabled, &status, &lastConnected, &iface.LastError, &config, &created, &updated); err != nil {
		return model.Interface{}, err
	}
	iface.Kind = model.TransportKind(kind)
	iface.Enabled = enabled
	iface.Status = model.InterfaceStatus(status)
	iface.LastConnected = fromNullNanos(lastConnected)
	iface.CreatedAt = fromNanos(created)
	iface.UpdatedAt = fromNanos(updated)

	var cfg interfaceConfig
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return model.Interface{}, fmt.Errorf("sqlite: decode interface %d config: %w", iface.ID, err)
	}
	iface.MQTT, iface.Serial, iface.TCP = cfg.MQTT, cfg.Serial, cfg.TCP
	return iface, nil
}

func (s *Store) ListInterfaces(ctx context.Context) ([]model.Interface, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+interfaceColumns+` FROM interfaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list interfaces: %w", err)
	}
	defer rows.Close()

	var out []model.Interface
	for rows.Next() {
		iface, err := scanInterface(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iface)
	}
	return out, rows.Err()
}

func (s *Store) GetInterface(ctx context.Context, id int64) (model.Interface, error) {
	iface, err := scanInterface(s.db.QueryRowContext(ctx, `SELECT `+interfaceColumns+` FROM interfaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Interface{}, fmt.Errorf("interface %d: %w", id, store.ErrNotFound)
	}
	return iface, err
}

func (s *Store) GetInterfaceByName(ctx context.Context, name string) (model.Interface, error) {
	iface, err := scanInterface(s.db.QueryRowContext(ctx, `SELECT `+interfaceColumns+` FROM interfaces WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Interface{}, fmt.Errorf("interface %q: %w", name, store.ErrNotFound)
	}
	return iface, err
}

func (s *Store) CreateInterface(ctx context.Context, iface model.Interface) (model.Interface, error) {
	iface.ApplyDefaults()
	now := s.now()
	iface.CreatedAt, iface.UpdatedAt = now, now

	config, err := json.Marshal(interfaceConfig{MQTT: iface.MQTT, Serial: iface.Serial, TCP: iface.TCP})
	if err != nil {
		return model.Interface{}, fmt.Errorf("sqlite: encode interface config: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if iface.Name == "" {
			name, err := defaultInterfaceName(ctx, tx, iface.Kind)
			if err != nil {
				return err
			}
			iface.Name = name
		} else if taken, err := nameTaken(ctx, tx, iface.Name); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("interface %q: %w", iface.Name, store.ErrConflict)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO interfaces (name, kind, enabled, status, last_connected, last_error, config, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			iface.Name, string(iface.Kind), iface.Enabled, string(iface.Status), toNullNanos(iface.LastConnected),
			iface.LastError, string(config), toNanos(now), toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert interface: %w", err)
		}
		iface.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.Interface{}, err
	}
	return iface, nil
}

func defaultInterfaceName(ctx context.Context, tx *sql.Tx, kind model.TransportKind) (string, error) {
	base := model.DefaultInterfaceName(kind, 0)
	var similar int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM interfaces WHERE name LIKE ? || '%'`, base).Scan(&similar); err != nil {
		return "", fmt.Errorf("sqlite: count interface names: %w", err)
	}
	for n := similar; ; n++ {
		name := model.DefaultInterfaceName(kind, n)
		taken, err := nameTaken(ctx, tx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
}

func nameTaken(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM interfaces WHERE name = ?`, name).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("sqlite: check interface name: %w", err)
	}
	return true, nil
}

func (s *Store) UpdateInterfaceConfig(ctx context.Context, iface model.Interface) error {
	iface.ApplyDefaults()
	config, err := json.Marshal(interfaceConfig{MQTT: iface.MQTT, Serial: iface.Serial, TCP: iface.TCP})
	if err != nil {
		return fmt.Errorf("sqlite: encode interface config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE interfaces SET kind = ?, enabled = ?, config = ?, updated_at = ? WHERE id = ?`,
		string(iface.Kind), iface.Enabled, string(config), toNanos(s.now()), iface.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update interface %d: %w", iface.ID, err)
	}
	return expectOneRow(res, fmt.Sprintf("interface %d", iface.ID))
}

func (s *Store) UpdateInterfaceStatus(ctx context.Context, id int64, state model.RuntimeState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interfaces SET status = ?, last_connected = COALESCE(?, last_connected), last_error = ?, updated_at = ? WHERE id = ?`,
		string(state.Status), toNullNanos(state.LastConnected), state.LastError, toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update interface %d status: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("interface %d", id))
}

//
// ---------- Nodes ----------
//

func (s *Store) TouchNode(ctx context.Context, num model.NodeNum, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (num, node_id, first_seen, last_heard) VALUES (?, ?, ?, ?)
		 ON CONFLICT(num) DO UPDATE SET last_heard = MAX(nodes.last_heard, excluded.last_heard)`,
		int64(num), num.ID(), toNanos(seen), toNanos(seen),
	)
	if err != nil {
		return fmt.Errorf("sqlite: touch node %s: %w", num, err)
	}
	return nil
}

func (s *Store) UpdateNodeInfo(ctx context.Context, num model.NodeNum, info model.NodeInfoPayload, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (num, node_id, long_name, short_name, hw_model, role, mac_address, public_key, is_licensed, first_seen, last_heard)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(num) DO UPDATE SET
		   long_name = excluded.long_name,
		   short_name = excluded.short_name,
		   hw_model = excluded.hw_model,
		   role = excluded.role,
		   mac_address = excluded.mac_address,
		   public_key = CASE WHEN length(excluded.public_key) > 0 THEN excluded.public_key ELSE nodes.public_key END,
		   is_licensed = excluded.is_licensed,
		   last_heard = MAX(nodes.last_heard, excluded.last_heard)`,
		int64(num), num.ID(), info.LongName, info.ShortName, info.HWModel, info.Role, info.MacAddress,
		info.PublicKey, info.IsLicensed, toNanos(seen), toNanos(seen),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update node %s: %w", num, err)
	}
	return nil
}

const nodeColumns = `num, long_name, short_name, hw_model, role, mac_address, public_key, is_licensed, first_seen, last_heard`

func scanNode(row interface{ Scan(...any) error }) (model.Node, error) {
	var (
		n                model.Node
		num              int64
		firstSeen, heard int64
	)
	if err := row.Scan(&num, &n.LongName, &n.ShortName, &n.HWModel, &n.Role, &n.MacAddress, &n.PublicKey, &n.IsLicensed, &firstSeen, &heard); err != nil {
		return model.Node{}, err
	}
	n.Num = model.NodeNum(num)
	n.FirstSeen = fromNanos(firstSeen)
	n.LastHeard = fromNanos(heard)
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, num model.NodeNum) (model.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE num = ?`, int64(num)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("node %s: %w", num, store.ErrNotFound)
	}
	return n, err
}

func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY num`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list nodes: %w", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

//
// ---------- Links ----------
//

const linkColumns = `id, node_a, node_b, a_to_b_packets, b_to_a_packets, total_packets, channels, first_seen, last_activity, last_packet_id, bidirectional`

func scanLink(row interface{ Scan(...any) error }) (model.NodeLink, error) {
	var (
		l               model.NodeLink
		a, b            int64
		channels        string
		first, activity int64
		lastPacket      sql.NullInt64
	)
	if err := row.Scan(&l.ID, &a, &b, &l.AToBPackets, &l.BToAPackets, &l.TotalPackets, &channels, &first, &activity, &lastPacket, &l.Bidirectional); err != nil {
		return model.NodeLink{}, err
	}
	l.NodeA, l.NodeB = model.NodeNum(a), model.NodeNum(b)
	l.FirstSeen, l.LastActivity = fromNanos(first), fromNanos(activity)
	l.LastPacketID = lastPacket.Int64
	if err := json.Unmarshal([]byte(channels), &l.Channels); err != nil {
		return model.NodeLink{}, fmt.Errorf("sqlite: decode link %d channels: %w", l.ID, err)
	}
	return l, nil
}

// UpsertNodeLink reads, mutates and writes the row inside one transaction.
func (s *Store) UpsertNodeLink(ctx context.Context, a, b model.NodeNum, mutate func(*model.NodeLink)) (model.NodeLink, error) {
	if a >= b {
		return model.NodeLink{}, fmt.Errorf("link %s-%s is not in canonical order", a, b)
	}
	var out model.NodeLink
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanLink(tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM node_links WHERE node_a = ? AND node_b = ?`, int64(a), int64(b)))
		exists := err == nil
		switch {
		case errors.Is(err, sql.ErrNoRows):
			cur = model.NodeLink{NodeA: a, NodeB: b}
		case err != nil:
			return fmt.Errorf("sqlite: read link %s-%s: %w", a, b, err)
		}

		mutate(&cur)
		cur.NodeA, cur.NodeB = a, b
		if cur.Channels == nil {
			cur.Channels = []string{}
		}
		channels, err := json.Marshal(cur.Channels)
		if err != nil {
			return fmt.Errorf("sqlite: encode link channels: %w", err)
		}

		if exists {
			_, err = tx.ExecContext(ctx,
				`UPDATE node_links SET a_to_b_packets = ?, b_to_a_packets = ?, total_packets = ?, channels = ?,
				   first_seen = ?, last_activity = ?, last_packet_id = ?, bidirectional = ? WHERE id = ?`,
				cur.AToBPackets, cur.BToAPackets, cur.TotalPackets, string(channels),
				toNanos(cur.FirstSeen), toNanos(cur.LastActivity), nullID(cur.LastPacketID), cur.Bidirectional, cur.ID,
			)
			if err != nil {
				return fmt.Errorf("sqlite: update link %s-%s: %w", a, b, err)
			}
		} else {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO node_links (node_a, node_b, a_to_b_packets, b_to_a_packets, total_packets, channels,
				   first_seen, last_activity, last_packet_id, bidirectional)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				int64(a), int64(b), cur.AToBPackets, cur.BToAPackets, cur.TotalPackets, string(channels),
				toNanos(cur.FirstSeen), toNanos(cur.LastActivity), nullID(cur.LastPacketID), cur.Bidirectional,
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert link %s-%s: %w", a, b, err)
			}
			if cur.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		return model.NodeLink{}, err
	}
	return out, nil
}

func (s *Store) GetNodeLink(ctx context.Context, a, b model.NodeNum) (model.NodeLink, error) {
	if a > b {
		a, b = b, a
	}
	l, err := scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM node_links WHERE node_a = ? AND node_b = ?`, int64(a), int64(b)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.NodeLink{}, fmt.Errorf("link %s-%s: %w", a, b, store.ErrNotFound)
	}
	return l, err
}

func (s *Store) ListNodeLinks(ctx context.Context) ([]model.NodeLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM node_links ORDER BY node_a, node_b`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list links: %w", err)
	}
	defer rows.Close()

	var out []model.NodeLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

//
// ---------- helpers ----------
//

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}
