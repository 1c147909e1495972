package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	rowColumns       = "id, session_id, user_id, recorded_at_ns, method, path, request_body_json, response_status, response_body_json, duration_ns"
	runColumns       = "id, suite, case_name, target, started_at_ns, duration_ns, total, passed, failed, aborted"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is empty")
	}
	dbPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open(sqliteDriverName, sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	log.Debug("Recording store ready", "path", dbPath, "retention", cfg.Retention, "max_records", cfg.MaxRecords)
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS recorded_rows (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    user_id TEXT,
    recorded_at_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    request_body_json TEXT,
    response_status INTEGER NOT NULL,
    response_body_json TEXT,
    duration_ns INTEGER
);
CREATE INDEX IF NOT EXISTS idx_rows_session_ts ON recorded_rows(session_id, recorded_at_ns ASC);
CREATE INDEX IF NOT EXISTS idx_rows_ts ON recorded_rows(recorded_at_ns DESC);

CREATE TABLE IF NOT EXISTS replay_runs (
    id TEXT PRIMARY KEY,
    suite TEXT,
    case_name TEXT NOT NULL,
    target TEXT,
    started_at_ns INTEGER NOT NULL,
    duration_ns INTEGER,
    total INTEGER NOT NULL,
    passed INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    aborted INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_ts ON replay_runs(started_at_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Record(row *artifact.Row) (*artifact.Row, error) {
	if row == nil {
		return nil, fmt.Errorf("row is nil")
	}
	if strings.TrimSpace(row.SessionID) == "" {
		return nil, fmt.Errorf("row has no session id")
	}
	ctx := context.Background()
	if row.RecordedAt.IsZero() {
		row.RecordedAt = time.Now()
	}
	row.RecordedAt = row.RecordedAt.UTC()

	var requestJSON []byte
	if row.RequestBody != nil {
		data, err := jsonvalue.Marshal(row.RequestBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		requestJSON = data
	}
	responseJSON, err := jsonvalue.Marshal(row.ResponseBody)
	if err != nil {
		return nil, fmt.Errorf("marshal response body: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := `INSERT INTO recorded_rows (
        session_id, user_id, recorded_at_ns, method, path,
        request_body_json, response_status, response_body_json, duration_ns
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var res sql.Result
	res, err = tx.ExecContext(ctx, insertSQL,
		row.SessionID,
		row.UserID,
		row.RecordedAt.UnixNano(),
		row.Method,
		row.Path,
		nullableString(requestJSON),
		row.ResponseStatus,
		string(responseJSON),
		int64(row.Duration),
	)
	if err != nil {
		return nil, fmt.Errorf("insert row: %w", err)
	}
	if row.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read row id: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM recorded_rows WHERE recorded_at_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM recorded_rows").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM recorded_rows WHERE id IN (SELECT id FROM recorded_rows ORDER BY recorded_at_ns ASC, id ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) Rows(sessionID string) ([]*artifact.Row, error) {
	ctx := context.Background()
	query := "SELECT " + rowColumns + " FROM recorded_rows WHERE session_id = ? ORDER BY recorded_at_ns ASC, id ASC"
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*artifact.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *sqliteStore) List(opts ListOptions) ([]*artifact.Row, int, error) {
	ctx := context.Background()
	f := rowFilter(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM recorded_rows"+f.where(), f.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}

	limit, args := f.page(opts)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+rowColumns+" FROM recorded_rows"+f.where()+" ORDER BY recorded_at_ns DESC, id DESC"+limit,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var result []*artifact.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, row)
	}
	return result, total, rows.Err()
}

func (s *sqliteStore) Sessions(opts ListOptions) ([]*SessionSummary, int, error) {
	ctx := context.Background()
	f := rowFilter(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT session_id) FROM recorded_rows"+f.where(), f.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	limit, args := f.page(opts)
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, MAX(user_id), COUNT(1), MIN(recorded_at_ns), MAX(recorded_at_ns),
        SUM(LENGTH(COALESCE(request_body_json, '')) + LENGTH(COALESCE(response_body_json, '')))
        FROM recorded_rows`+f.where()+` GROUP BY session_id ORDER BY MAX(recorded_at_ns) DESC`+limit,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*SessionSummary
	for rows.Next() {
		var (
			summary     SessionSummary
			userID      sql.NullString
			first, last int64
			size        sql.NullInt64
		)
		if err := rows.Scan(&summary.SessionID, &userID, &summary.Rows, &first, &last, &size); err != nil {
			return nil, 0, err
		}
		summary.UserID = userID.String
		summary.FirstSeen = time.Unix(0, first).UTC()
		summary.LastSeen = time.Unix(0, last).UTC()
		summary.TotalBytes = size.Int64
		result = append(result, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) RecordRun(run *RunRecord) error {
	if run == nil {
		return fmt.Errorf("run record is nil")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()

	insertSQL := `INSERT INTO replay_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(context.Background(), insertSQL,
		run.ID,
		run.Suite,
		run.Case,
		run.Target,
		run.StartedAt.UnixNano(),
		int64(run.Duration),
		run.Total,
		run.Passed,
		run.Failed,
		boolToInt(run.Aborted),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *sqliteStore) Runs(opts ListOptions) ([]*RunRecord, int, error) {
	ctx := context.Background()
	f := &filter{}
	f.contains(opts.Search, "case_name", "suite")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM replay_runs"+f.where(), f.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit, args := f.page(opts)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM replay_runs"+f.where()+" ORDER BY started_at_ns DESC"+limit,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []*RunRecord
	for rows.Next() {
		var (
			run      RunRecord
			suite    sql.NullString
			target   sql.NullString
			started  int64
			duration sql.NullInt64
			aborted  int64
		)
		if err := rows.Scan(&run.ID, &suite, &run.Case, &target, &started, &duration,
			&run.Total, &run.Passed, &run.Failed, &aborted); err != nil {
			return nil, 0, err
		}
		run.Suite = suite.String
		run.Target = target.String
		run.StartedAt = time.Unix(0, started).UTC()
		run.Duration = time.Duration(duration.Int64)
		run.Aborted = aborted == 1
		result = append(result, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRow(scanner interface {
	Scan(dest ...interface{}) error
}) (*artifact.Row, error) {
	var (
		row          artifact.Row
		userID       sql.NullString
		ts           int64
		requestJSON  sql.NullString
		responseJSON sql.NullString
		duration     sql.NullInt64
	)

	if err := scanner.Scan(
		&row.ID,
		&row.SessionID,
		&userID,
		&ts,
		&row.Method,
		&row.Path,
		&requestJSON,
		&row.ResponseStatus,
		&responseJSON,
		&duration,
	); err != nil {
		return nil, err
	}

	row.UserID = userID.String
	row.RecordedAt = time.Unix(0, ts).UTC()
	row.Duration = time.Duration(duration.Int64)

	if requestJSON.Valid && requestJSON.String != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(requestJSON.String)))
		dec.UseNumber()
		var body artifact.RowBody
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("decode request body of row %d: %w", row.ID, err)
		}
		row.RequestBody = &body
	}
	if responseJSON.Valid && responseJSON.String != "" {
		body, err := jsonvalue.Decode([]byte(responseJSON.String))
		if err != nil {
			return nil, fmt.Errorf("decode response body of row %d: %w", row.ID, err)
		}
		row.ResponseBody = body
	}
	return &row, nil
}

// filter accumulates WHERE clauses and their arguments.
type filter struct {
	clauses []string
	args    []interface{}
}

func (f *filter) add(clause string, args ...interface{}) {
	f.clauses = append(f.clauses, clause)
	f.args = append(f.args, args...)
}

// contains matches search case-insensitively against any of columns.
func (f *filter) contains(search string, columns ...string) {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" || len(columns) == 0 {
		return
	}
	parts := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		parts[i] = "LOWER(" + col + ") LIKE ?"
		args[i] = "%" + search + "%"
	}
	f.add("("+strings.Join(parts, " OR ")+")", args...)
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

// page returns the LIMIT/OFFSET suffix and the full argument list.
func (f *filter) page(opts ListOptions) (string, []interface{}) {
	args := append([]interface{}(nil), f.args...)
	if opts.Limit <= 0 {
		return "", args
	}
	return " LIMIT ? OFFSET ?", append(args, opts.Limit, max(opts.Offset, 0))
}

func rowFilter(opts ListOptions) *filter {
	f := &filter{}
	if m := strings.TrimSpace(opts.Method); m != "" {
		f.add("UPPER(method) = ?", strings.ToUpper(m))
	}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		f.add("session_id = ?", id)
	}
	f.contains(opts.Search, "path", "session_id", "user_id")
	return f
}

func nullableString(data []byte) interface{} {
	if data == nil {
		return nil
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
