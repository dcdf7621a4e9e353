package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store at
// dbPath, in WAL mode with a short busy timeout, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Flow/event bodies may carry upstream credentials in transit; keep the
	// file owner-only.
	if err := setSecureFilePermissions(dbPath); err != nil {
		_ = err
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{migrationV1}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS flows (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	host TEXT NOT NULL,
	type TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	path TEXT NOT NULL,
	req_head TEXT,
	req_body TEXT,
	status_code INTEGER,
	status_text TEXT,
	resp_head TEXT,
	resp_body TEXT,
	duration_ms INTEGER,
	completed INTEGER NOT NULL DEFAULT 0,
	is_stream INTEGER NOT NULL DEFAULT 0,
	has_raw_http INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_http (
	flow_id TEXT PRIMARY KEY REFERENCES flows(id) ON DELETE CASCADE,
	request TEXT NOT NULL,
	response TEXT
);

CREATE INDEX IF NOT EXISTS idx_flows_created_at ON flows(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_flow ON events(flow_id, timestamp);
`

func encodeHeaders(h Headers) (interface{}, error) {
	if h == nil {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeHeaders(s string) (Headers, error) {
	if s == "" {
		return nil, nil
	}
	var h Headers
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	return h, nil
}

func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// SaveFlow upserts a flow, matching the idempotency Store requires.
func (s *SQLiteStore) SaveFlow(ctx context.Context, f *Flow) error {
	reqHead, err := encodeHeaders(f.ReqHead)
	if err != nil {
		return fmt.Errorf("encoding request headers: %w", err)
	}
	respHead, err := encodeHeaders(f.RespHead)
	if err != nil {
		return fmt.Errorf("encoding response headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (
			id, created_at, host, type, method, url, path, req_head, req_body,
			status_code, status_text, resp_head, resp_body, duration_ms,
			completed, is_stream, has_raw_http
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host, type = excluded.type, method = excluded.method,
			url = excluded.url, path = excluded.path, req_head = excluded.req_head,
			req_body = excluded.req_body, status_code = excluded.status_code,
			status_text = excluded.status_text, resp_head = excluded.resp_head,
			resp_body = excluded.resp_body, duration_ms = excluded.duration_ms,
			completed = excluded.completed, is_stream = excluded.is_stream,
			has_raw_http = excluded.has_raw_http
	`,
		f.ID, f.CreatedAt.Format(time.RFC3339Nano), f.Host, string(f.Type), f.Method, f.URL, f.Path,
		reqHead, f.ReqBody, nullableInt(f.StatusCode), f.StatusText, respHead, f.RespBody,
		f.DurationMs, f.Completed, f.IsStream, f.HasRawHTTP,
	)
	if err != nil {
		return fmt.Errorf("saving flow %s: %w", f.ID, err)
	}
	return nil
}

// InitFlowEvents is a no-op for SQLiteStore: events are parented by foreign
// key and need no separate initialization.
func (s *SQLiteStore) InitFlowEvents(ctx context.Context, flowID string) error {
	return nil
}

// AddEvent appends an event, preserving strict arrival order via rowid.
func (s *SQLiteStore) AddEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, flow_id, name, data, timestamp) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.FlowID, e.Name, e.Data, e.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("adding event for flow %s: %w", e.FlowID, err)
	}
	return nil
}

// GetEvents returns events for flowID in arrival order.
func (s *SQLiteStore) GetEvents(ctx context.Context, flowID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, name, data, timestamp FROM events WHERE flow_id = ? ORDER BY rowid
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("listing events for flow %s: %w", flowID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.FlowID, &e.Name, &e.Data, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// InitRawHTTP records the request half of a raw HTTP snapshot.
func (s *SQLiteStore) InitRawHTTP(ctx context.Context, flowID, request string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_http (flow_id, request) VALUES (?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET request = excluded.request
	`, flowID, request)
	if err != nil {
		return fmt.Errorf("initializing raw HTTP for flow %s: %w", flowID, err)
	}
	return nil
}

// SetRawHTTPResponse records the response half of a raw HTTP snapshot.
func (s *SQLiteStore) SetRawHTTPResponse(ctx context.Context, flowID, response string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE raw_http SET response = ? WHERE flow_id = ?`, response, flowID)
	if err != nil {
		return fmt.Errorf("setting raw HTTP response for flow %s: %w", flowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setting raw HTTP response for flow %s: %w", flowID, sql.ErrNoRows)
	}
	return nil
}

// DeleteRawHTTP removes the raw HTTP snapshot for flowID, if any.
func (s *SQLiteStore) DeleteRawHTTP(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM raw_http WHERE flow_id = ?`, flowID)
	if err != nil {
		return fmt.Errorf("deleting raw HTTP for flow %s: %w", flowID, err)
	}
	return nil
}

// GetFlow retrieves a flow by ID.
func (s *SQLiteStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, host, type, method, url, path, req_head, req_body,
			status_code, status_text, resp_head, resp_body, duration_ms,
			completed, is_stream, has_raw_http
		FROM flows WHERE id = ?
	`, id)
	f, err := scanFlow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("getting flow %s: %w", id, err)
	}
	return f, nil
}

// ListFlows returns all flows, most recently created first.
func (s *SQLiteStore) ListFlows(ctx context.Context) ([]*Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, host, type, method, url, path, req_head, req_body,
			status_code, status_text, resp_head, resp_body, duration_ms,
			completed, is_stream, has_raw_http
		FROM flows ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing flows: %w", err)
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanFunc func(dest ...interface{}) error

func scanFlow(scan scanFunc) (*Flow, error) {
	var f Flow
	var createdAt, typ string
	var reqHead, respHead, reqBody, respBody, statusText sql.NullString
	var statusCode sql.NullInt64

	err := scan(
		&f.ID, &createdAt, &f.Host, &typ, &f.Method, &f.URL, &f.Path, &reqHead, &reqBody,
		&statusCode, &statusText, &respHead, &respBody, &f.DurationMs,
		&f.Completed, &f.IsStream, &f.HasRawHTTP,
	)
	if err != nil {
		return nil, err
	}

	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.Type = Type(typ)
	if statusCode.Valid {
		f.StatusCode = int(statusCode.Int64)
	}
	if statusText.Valid {
		f.StatusText = statusText.String
	}
	if reqBody.Valid {
		f.ReqBody = &reqBody.String
	}
	if respBody.Valid {
		f.RespBody = &respBody.String
	}
	if reqHead.Valid {
		h, err := decodeHeaders(reqHead.String)
		if err != nil {
			return nil, fmt.Errorf("decoding request headers: %w", err)
		}
		f.ReqHead = h
	}
	if respHead.Valid {
		h, err := decodeHeaders(respHead.String)
		if err != nil {
			return nil, fmt.Errorf("decoding response headers: %w", err)
		}
		f.RespHead = h
	}

	return &f, nil
}
