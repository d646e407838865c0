package store

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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

// dialect captures the SQL differences between Postgres and SQLite.
type dialect struct {
	name string
	ph   func(n int) string
}

var (
	postgresDialect = dialect{name: "postgres", ph: func(n int) string { return fmt.Sprintf("$%d", n) }}
	sqliteDialect   = dialect{name: "sqlite", ph: func(int) string { return "?" }}
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id             TEXT PRIMARY KEY,
	scan_type      TEXT NOT NULL,
	platform       TEXT NOT NULL,
	url            TEXT NOT NULL,
	url_key        TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	timestamp_ms   BIGINT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	message_count  INTEGER NOT NULL,
	checksum       TEXT NOT NULL DEFAULT '',
	size_bytes     BIGINT NOT NULL,
	created_at_ms  BIGINT NOT NULL,
	schema_version INTEGER NOT NULL,
	payload        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scans_url ON scans(url_key);
CREATE INDEX IF NOT EXISTS idx_scans_timestamp ON scans(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_scans_title ON scans(title);
CREATE INDEX IF NOT EXISTS idx_scans_platform ON scans(platform);
CREATE INDEX IF NOT EXISTS idx_scans_scan_type ON scans(scan_type);
CREATE INDEX IF NOT EXISTS idx_scans_session ON scans(session_id);
CREATE TABLE IF NOT EXISTS merges (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	payload       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	tab_id           INTEGER NOT NULL,
	status           TEXT NOT NULL,
	last_activity_ms BIGINT NOT NULL,
	payload          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// IndexedBackend stores records in a SQL database with secondary indexes on
// url, timestamp, title, platform, scan type and session.
type IndexedBackend struct {
	db   *sql.DB
	pool *pgxpool.Pool
	d    dialect
}

// OpenPostgres connects to Postgres through a pgx pool and ensures the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*IndexedBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	b := &IndexedBackend{db: stdlib.OpenDBFromPool(pool), pool: pool, d: postgresDialect}
	if err := b.migrate(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// OpenSQLite opens (or creates) an on-device SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*IndexedBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	b := &IndexedBackend{db: db, d: sqliteDialect}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *IndexedBackend) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (b *IndexedBackend) Name() string { return b.d.name }

func (b *IndexedBackend) Close() error {
	err := b.db.Close()
	if b.pool != nil {
		b.pool.Close()
	}
	return err
}

func (b *IndexedBackend) Insert(ctx context.Context, rec *extractor.ScanRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`
		INSERT INTO scans (id, scan_type, platform, url, url_key, title, timestamp_ms, session_id,
			message_count, checksum, size_bytes, created_at_ms, schema_version, payload)
		VALUES (%s)`, b.placeholders(1, 14))
	_, err = tx.ExecContext(ctx, q,
		rec.ID, string(rec.ScanType), rec.Platform, rec.URL, urlKey(rec.URL), rec.Title,
		rec.Timestamp.UnixMilli(), rec.SessionID, rec.MessageCount, rec.Checksum,
		int64(len(payload)), rec.CreatedAt.UnixMilli(), rec.SchemaVersion, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *IndexedBackend) Get(ctx context.Context, id string) (*extractor.ScanRecord, error) {
	var payload string
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT payload FROM scans WHERE id = %s`, b.d.ph(1)), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	var rec extractor.ScanRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode scan %s: %w", id, err)
	}
	return &rec, nil
}

func (b *IndexedBackend) Query(ctx context.Context, f Filter, p Pagination) ([]extractor.ScanRecord, error) {
	where, args := b.where(f)
	q := "SELECT payload FROM scans" + where + " ORDER BY timestamp_ms DESC, id DESC"
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += " LIMIT " + b.d.ph(len(args))
		if p.Offset > 0 {
			args = append(args, p.Offset)
			q += " OFFSET " + b.d.ph(len(args))
		}
	}
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []extractor.ScanRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var rec extractor.ScanRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	// Without a limit, OFFSET cannot be expressed portably; apply it here.
	if p.Limit <= 0 && p.Offset > 0 {
		if p.Offset >= len(out) {
			return nil, nil
		}
		out = out[p.Offset:]
	}
	return out, nil
}

func (b *IndexedBackend) Count(ctx context.Context, f Filter) (int, error) {
	where, args := b.where(f)
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scans"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return n, nil
}

func (b *IndexedBackend) SizeBytes(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM scans").Scan(&n); err != nil {
		return 0, fmt.Errorf("sum scan sizes: %w", err)
	}
	return n, nil
}

func (b *IndexedBackend) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf("DELETE FROM scans WHERE id IN (%s)", b.placeholders(1, len(ids)))
	return b.exec(ctx, "delete scans", q, args...)
}

func (b *IndexedBackend) DeleteOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	q := fmt.Sprintf(`DELETE FROM scans WHERE id IN (
		SELECT id FROM scans ORDER BY timestamp_ms ASC, id ASC LIMIT %s)`, b.d.ph(1))
	return b.exec(ctx, "delete oldest scans", q, n)
}

func (b *IndexedBackend) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ms := cutoff.UnixMilli()
	n, err := b.exec(ctx, "delete old scans",
		fmt.Sprintf("DELETE FROM scans WHERE timestamp_ms < %s", b.d.ph(1)), ms)
	if err != nil {
		return 0, err
	}
	if _, err := b.exec(ctx, "delete old merges",
		fmt.Sprintf("DELETE FROM merges WHERE created_at_ms < %s", b.d.ph(1)), ms); err != nil {
		return n, err
	}
	return n, nil
}

func (b *IndexedBackend) SaveMerge(ctx context.Context, m *MergedResult) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal merge: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO merges (id, session_id, created_at_ms, payload) VALUES (%s)`, b.placeholders(1, 4))
	if _, err := b.db.ExecContext(ctx, q, m.MergeID, m.SessionID, m.CreatedAt.UnixMilli(), string(payload)); err != nil {
		return fmt.Errorf("insert merge: %w", err)
	}
	return nil
}

func (b *IndexedBackend) GetMerge(ctx context.Context, id string) (*MergedResult, error) {
	var payload string
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT payload FROM merges WHERE id = %s`, b.d.ph(1)), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merge: %w", err)
	}
	var m MergedResult
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decode merge %s: %w", id, err)
	}
	return &m, nil
}

func (b *IndexedBackend) SaveSession(ctx context.Context, s SessionState) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	q := fmt.Sprintf(`
		INSERT INTO sessions (session_id, tab_id, status, last_activity_ms, payload)
		VALUES (%s)
		ON CONFLICT (session_id) DO UPDATE SET
			tab_id = excluded.tab_id,
			status = excluded.status,
			last_activity_ms = excluded.last_activity_ms,
			payload = excluded.payload`, b.placeholders(1, 5))
	if _, err := b.db.ExecContext(ctx, q, s.SessionID, s.TabID, s.Status, s.LastActivity.UnixMilli(), string(payload)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (b *IndexedBackend) LoadSessions(ctx context.Context, status string) ([]SessionState, error) {
	q := "SELECT payload FROM sessions"
	var args []any
	if status != "" {
		q += " WHERE status = " + b.d.ph(1)
		args = append(args, status)
	}
	q += " ORDER BY last_activity_ms DESC"
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var s SessionState
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *IndexedBackend) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	res, err := b.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

// where builds a WHERE clause for f. Argument numbering starts at 1.
func (b *IndexedBackend) where(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col string, op string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s %s %s", col, op, b.d.ph(len(args))))
	}
	if f.URL != "" {
		add("url_key", "=", urlKey(f.URL))
	}
	if f.Platform != "" {
		add("platform", "=", f.Platform)
	}
	if f.ScanType != "" {
		add("scan_type", "=", string(f.ScanType))
	}
	if f.SessionID != "" {
		add("session_id", "=", f.SessionID)
	}
	if f.Title != "" {
		add("title", "=", f.Title)
	}
	if !f.Since.IsZero() {
		add("timestamp_ms", ">=", f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		add("timestamp_ms", "<=", f.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (b *IndexedBackend) placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = b.d.ph(from + i)
	}
	return strings.Join(ph, ", ")
}
