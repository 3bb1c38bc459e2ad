package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/policy"
)

// SQLiteStore is the default single-node store. History immutability is
// enforced by triggers; the requester/approver separation and the status
// enumeration are CHECK constraints.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path and runs migrations.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "open sqlite", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent transitions;
	// sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle (used by tests).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_policies (
			operation_type TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			approval_required INTEGER NOT NULL,
			approver_roles TEXT NOT NULL,
			approval_count INTEGER NOT NULL CHECK (approval_count BETWEEN 1 AND 10),
			timeout_hours INTEGER NOT NULL CHECK (timeout_hours BETWEEN 1 AND 168),
			auto_execute INTEGER NOT NULL,
			risk_level TEXT NOT NULL CHECK (risk_level IN ('LOW','MEDIUM','HIGH','CRITICAL')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			request_type TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			requester_name TEXT NOT NULL,
			request_payload TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN
				('pending','approved','rejected','expired','executed','execution_failed','cancelled')),
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			approved_by TEXT,
			approved_by_name TEXT,
			approved_at TEXT,
			rejection_reason TEXT,
			execution_result TEXT,
			executed_at TEXT,
			executed_by TEXT,
			CHECK (approved_by IS NULL OR approved_by <> requester_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_type_status ON approval_requests(request_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_expires ON approval_requests(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_created ON approval_requests(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_requester ON approval_requests(requester_id)`,
		`CREATE TABLE IF NOT EXISTS approval_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			approval_request_id TEXT NOT NULL REFERENCES approval_requests(id),
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_name TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			details TEXT,
			previous_status TEXT,
			new_status TEXT,
			signature TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_request ON approval_history(approval_request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_actor ON approval_history(actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_time ON approval_history(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_action ON approval_history(action)`,
		`CREATE TRIGGER IF NOT EXISTS approval_history_no_update
			BEFORE UPDATE ON approval_history
			BEGIN SELECT RAISE(ABORT, 'approval_history is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS approval_history_no_delete
			BEFORE DELETE ON approval_history
			BEGIN SELECT RAISE(ABORT, 'approval_history is append-only'); END`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fault.Wrap(fault.Storage, "migrate", err)
		}
	}
	return nil
}

const requestColumns = `id, request_type, requester_id, requester_name, request_payload,
	reason, status, created_at, expires_at, approved_by, approved_by_name, approved_at,
	rejection_reason, execution_result, executed_at, executed_by`

func (s *SQLiteStore) Create(ctx context.Context, req *Request, entry *audit.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.Storage, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO approval_requests
		(id, request_type, requester_id, requester_name, request_payload, reason, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.RequestType), req.RequesterID, req.RequesterName,
		string(req.Payload), req.Reason, string(req.Status),
		timeStr(req.CreatedAt), timeStr(req.ExpiresAt))
	if err != nil {
		return fault.Wrap(fault.Storage, "insert request", err)
	}
	if err := insertHistory(ctx, tx, entry, sqliteDialect); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Storage, "commit", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (s *SQLiteStore) Apply(ctx context.Context, id string, mut Mutation, entry *audit.HistoryEntry) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if cur.Status != mut.From {
		return nil, fault.Newf(fault.StateConflict,
			"request is %s, transition requires %s", cur.Status, mut.From)
	}
	if mut.RequireNotExpired && !mut.Now.Before(cur.ExpiresAt) {
		return nil, fault.New(fault.StateConflict, "request has expired")
	}

	res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET
			status = ?,
			approved_by = COALESCE(?, approved_by),
			approved_by_name = COALESCE(?, approved_by_name),
			approved_at = COALESCE(?, approved_at),
			rejection_reason = COALESCE(?, rejection_reason),
			execution_result = COALESCE(?, execution_result),
			executed_at = COALESCE(?, executed_at),
			executed_by = COALESCE(?, executed_by)
		WHERE id = ? AND status = ?`,
		string(mut.To), mut.ApprovedBy, mut.ApprovedByName, timePtrStr(mut.ApprovedAt),
		mut.RejectionReason, nullBytes(mut.ExecutionResult), timePtrStr(mut.ExecutedAt),
		mut.ExecutedBy, id, string(mut.From))
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "update request", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fault.New(fault.StateConflict, "request changed concurrently")
	}
	if err := insertHistory(ctx, tx, entry, sqliteDialect); err != nil {
		return nil, err
	}

	updated, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.Storage, "commit", err)
	}
	return updated, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Request, int, error) {
	where, args := buildFilter(f, qmark)
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "count requests", err)
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "list requests", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "list requests", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM approval_requests WHERE status = ? AND expires_at <= ? LIMIT ?`,
		string(StatusPending), timeStr(now), limit)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "list expired", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Wrap(fault.Storage, "scan expired", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) History(ctx context.Context, f HistoryFilter) ([]audit.HistoryEntry, int, error) {
	where, args := buildHistoryFilter(f, qmark)
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_history`+where, args...).Scan(&total); err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "count history", err)
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, approval_request_id, action, actor_id, actor_name, actor_role,
			timestamp, details, previous_status, new_status, signature
		FROM approval_history`+where+` ORDER BY id ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "list history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	return queryStats(ctx, s.db, since, qmark)
}

func (s *SQLiteStore) SeedPolicies(ctx context.Context, policies []*policy.Policy) error {
	for _, p := range policies {
		roles, err := json.Marshal(p.ApproverRoles)
		if err != nil {
			return fault.Wrap(fault.Storage, "marshal approver roles", err)
		}
		_, err = s.db.ExecContext(ctx, `INSERT INTO approval_policies
			(operation_type, description, approval_required, approver_roles, approval_count,
			 timeout_hours, auto_execute, risk_level, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(operation_type) DO UPDATE SET
				description = excluded.description,
				approval_required = excluded.approval_required,
				approver_roles = excluded.approver_roles,
				approval_count = excluded.approval_count,
				timeout_hours = excluded.timeout_hours,
				auto_execute = excluded.auto_execute,
				risk_level = excluded.risk_level,
				updated_at = excluded.updated_at`,
			string(p.OperationType), p.Description, boolInt(p.ApprovalRequired), string(roles),
			p.ApprovalCount, p.TimeoutHours, boolInt(p.AutoExecute), string(p.RiskLevel),
			timeStr(p.CreatedAt), timeStr(p.UpdatedAt))
		if err != nil {
			return fault.Wrap(fault.Storage, "seed policy", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- shared row plumbing, used by both dialects ---

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                                 Request
		reqType, status, created, expires string
		payload                           string
		approvedBy, approvedByName        sql.NullString
		approvedAt, executedAt            sql.NullString
		rejection, execResult, executedBy sql.NullString
	)
	err := row.Scan(&r.ID, &reqType, &r.RequesterID, &r.RequesterName, &payload,
		&r.Reason, &status, &created, &expires, &approvedBy, &approvedByName,
		&approvedAt, &rejection, &execResult, &executedAt, &executedBy)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "approval request not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "scan request", err)
	}
	r.RequestType = policy.OperationType(reqType)
	r.Status = Status(status)
	r.Payload = json.RawMessage(payload)
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	r.ApprovedBy = nullStrPtr(approvedBy)
	r.ApprovedByName = nullStrPtr(approvedByName)
	r.RejectionReason = nullStrPtr(rejection)
	r.ExecutedBy = nullStrPtr(executedBy)
	if execResult.Valid {
		r.ExecutionResult = json.RawMessage(execResult.String)
	}
	if r.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, err
	}
	if r.ExecutedAt, err = parseTimePtr(executedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanHistory(row rowScanner) (*audit.HistoryEntry, error) {
	var (
		e                      audit.HistoryEntry
		action, role, ts       string
		details, prevSt, newSt sql.NullString
	)
	err := row.Scan(&e.ID, &e.ApprovalRequestID, &action, &e.ActorID, &e.ActorName,
		&role, &ts, &details, &prevSt, &newSt, &e.Signature)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "scan history", err)
	}
	e.Action = audit.HistoryAction(action)
	e.ActorRole = identity.Role(role)
	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if details.Valid {
		e.Details = json.RawMessage(details.String)
	}
	if prevSt.Valid {
		e.PreviousStatus = prevSt.String
	}
	if newSt.Valid {
		e.NewStatus = newSt.String
	}
	return &e, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, e *audit.HistoryEntry, d dialect) error {
	if e == nil {
		return nil
	}
	var details any
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	if d == postgresDialect {
		err := tx.QueryRowContext(ctx, `INSERT INTO approval_history
			(approval_request_id, action, actor_id, actor_name, actor_role, timestamp,
			 details, previous_status, new_status, signature)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			e.ApprovalRequestID, string(e.Action), e.ActorID, e.ActorName,
			string(e.ActorRole), timeStr(e.Timestamp), details,
			nullStr(e.PreviousStatus), nullStr(e.NewStatus), e.Signature).Scan(&e.ID)
		if err != nil {
			return fault.Wrap(fault.Storage, "insert history", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO approval_history
		(approval_request_id, action, actor_id, actor_name, actor_role, timestamp,
		 details, previous_status, new_status, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ApprovalRequestID, string(e.Action), e.ActorID, e.ActorName,
		string(e.ActorRole), timeStr(e.Timestamp), details,
		nullStr(e.PreviousStatus), nullStr(e.NewStatus), e.Signature)
	if err != nil {
		return fault.Wrap(fault.Storage, "insert history", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// placeholder styles
type placeholder func(n int) string

func qmark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func buildFilter(f Filter, ph placeholder) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.RequestType != "" {
		add("request_type = %s", string(f.RequestType))
	}
	if f.RequesterID != "" {
		add("requester_id = %s", f.RequesterID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + joinAnd(conds), args
}

func buildHistoryFilter(f HistoryFilter, ph placeholder) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}
	if f.RequestID != "" {
		add("approval_request_id = %s", f.RequestID)
	}
	if f.ActorID != "" {
		add("actor_id = %s", f.ActorID)
	}
	if f.Action != "" {
		add("action = %s", string(f.Action))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + joinAnd(conds), args
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

func queryStats(ctx context.Context, db *sql.DB, since time.Time, ph placeholder) (*Stats, error) {
	st := &Stats{
		Since:    since,
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}
	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM approval_requests WHERE created_at >= `+ph(1)+
			` GROUP BY status`, timeStr(since))
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "stats by status", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fault.Wrap(fault.Storage, "scan stats", err)
		}
		st.ByStatus[status] = n
		st.Total += n
		if status == string(StatusPending) {
			st.Pending = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Storage, "stats by status", err)
	}

	trows, err := db.QueryContext(ctx,
		`SELECT request_type, COUNT(*) FROM approval_requests WHERE created_at >= `+ph(1)+
			` GROUP BY request_type`, timeStr(since))
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "stats by type", err)
	}
	defer func() { _ = trows.Close() }()
	for trows.Next() {
		var typ string
		var n int
		if err := trows.Scan(&typ, &n); err != nil {
			return nil, fault.Wrap(fault.Storage, "scan stats", err)
		}
		st.ByType[typ] = n
	}
	return st, trows.Err()
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// timeFormat carries a fixed-width fraction so lexical comparison of
// stored timestamps stays chronological; it matches the to_char text the
// Postgres store emits.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func timeStr(t time.Time) string { return t.UTC().Format(timeFormat) }

func timePtrStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeStr(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fault.Wrap(fault.Storage, "parse stored time", err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStrPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
