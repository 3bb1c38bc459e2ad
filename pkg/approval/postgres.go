package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/policy"
)

// PostgresStore backs the approval engine with postgres for multi-node
// deployments. Row locking (SELECT ... FOR UPDATE) serializes transitions
// per request; the append-only trigger rejects history rewrites server-side.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "open postgres", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating (tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_policies (
			operation_type TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			approval_required BOOLEAN NOT NULL,
			approver_roles JSONB NOT NULL,
			approval_count INT NOT NULL CHECK (approval_count BETWEEN 1 AND 10),
			timeout_hours INT NOT NULL CHECK (timeout_hours BETWEEN 1 AND 168),
			auto_execute BOOLEAN NOT NULL,
			risk_level TEXT NOT NULL CHECK (risk_level IN ('LOW','MEDIUM','HIGH','CRITICAL')),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			request_type TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			requester_name TEXT NOT NULL,
			request_payload JSONB NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN
				('pending','approved','rejected','expired','executed','execution_failed','cancelled')),
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			approved_by TEXT,
			approved_by_name TEXT,
			approved_at TIMESTAMPTZ,
			rejection_reason TEXT,
			execution_result JSONB,
			executed_at TIMESTAMPTZ,
			executed_by TEXT,
			CHECK (approved_by IS NULL OR approved_by <> requester_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_type_status ON approval_requests(request_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_expires ON approval_requests(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_created ON approval_requests(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_requester ON approval_requests(requester_id)`,
		`CREATE TABLE IF NOT EXISTS approval_history (
			id BIGSERIAL PRIMARY KEY,
			approval_request_id TEXT NOT NULL REFERENCES approval_requests(id),
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_name TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			details JSONB,
			previous_status TEXT,
			new_status TEXT,
			signature TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_request ON approval_history(approval_request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_actor ON approval_history(actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_time ON approval_history(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_action ON approval_history(action)`,
		`CREATE OR REPLACE FUNCTION approval_history_immutable() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'approval_history is append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS approval_history_no_rewrite ON approval_history`,
		`CREATE TRIGGER approval_history_no_rewrite
			BEFORE UPDATE OR DELETE ON approval_history
			FOR EACH ROW EXECUTE FUNCTION approval_history_immutable()`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fault.Wrap(fault.Storage, "migrate", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, req *Request, entry *audit.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.Storage, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO approval_requests
		(id, request_type, requester_id, requester_name, request_payload, reason, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, string(req.RequestType), req.RequesterID, req.RequesterName,
		string(req.Payload), req.Reason, string(req.Status),
		timeStr(req.CreatedAt), timeStr(req.ExpiresAt))
	if err != nil {
		return fault.Wrap(fault.Storage, "insert request", err)
	}
	if err := insertHistory(ctx, tx, entry, postgresDialect); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Storage, "commit", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgRequestColumns+` FROM approval_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (s *PostgresStore) Apply(ctx context.Context, id string, mut Mutation, entry *audit.HistoryEntry) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+pgRequestColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id))
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
			status = $1,
			approved_by = COALESCE($2, approved_by),
			approved_by_name = COALESCE($3, approved_by_name),
			approved_at = COALESCE($4::timestamptz, approved_at),
			rejection_reason = COALESCE($5, rejection_reason),
			execution_result = COALESCE($6::jsonb, execution_result),
			executed_at = COALESCE($7::timestamptz, executed_at),
			executed_by = COALESCE($8, executed_by)
		WHERE id = $9 AND status = $10`,
		string(mut.To), mut.ApprovedBy, mut.ApprovedByName, timePtrStr(mut.ApprovedAt),
		mut.RejectionReason, nullBytes(mut.ExecutionResult), timePtrStr(mut.ExecutedAt),
		mut.ExecutedBy, id, string(mut.From))
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "update request", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fault.New(fault.StateConflict, "request changed concurrently")
	}
	if err := insertHistory(ctx, tx, entry, postgresDialect); err != nil {
		return nil, err
	}

	updated, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+pgRequestColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.Storage, "commit", err)
	}
	return updated, nil
}

// Postgres returns timestamps as text so both dialects share one scanner.
const pgRequestColumns = `id, request_type, requester_id, requester_name, request_payload::text,
	reason, status, to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	to_char(expires_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	approved_by, approved_by_name,
	to_char(approved_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	rejection_reason, execution_result::text,
	to_char(executed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	executed_by`

const pgHistoryColumns = `id, approval_request_id, action, actor_id, actor_name, actor_role,
	to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	details::text, previous_status, new_status, signature`

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Request, int, error) {
	where, args := buildFilter(f, dollar)
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "count requests", err)
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgRequestColumns+` FROM approval_requests`+where+
			` ORDER BY created_at DESC LIMIT `+dollar(len(args)+1)+` OFFSET `+dollar(len(args)+2),
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

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM approval_requests WHERE status = $1 AND expires_at <= $2 LIMIT $3`,
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

func (s *PostgresStore) History(ctx context.Context, f HistoryFilter) ([]audit.HistoryEntry, int, error) {
	where, args := buildHistoryFilter(f, dollar)
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_history`+where, args...).Scan(&total); err != nil {
		return nil, 0, fault.Wrap(fault.Storage, "count history", err)
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgHistoryColumns+` FROM approval_history`+where+
			` ORDER BY id ASC LIMIT `+dollar(len(args)+1)+` OFFSET `+dollar(len(args)+2),
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

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	return queryStats(ctx, s.db, since, dollar)
}

func (s *PostgresStore) SeedPolicies(ctx context.Context, policies []*policy.Policy) error {
	for _, p := range policies {
		roles, err := json.Marshal(p.ApproverRoles)
		if err != nil {
			return fault.Wrap(fault.Storage, "marshal approver roles", err)
		}
		_, err = s.db.ExecContext(ctx, `INSERT INTO approval_policies
			(operation_type, description, approval_required, approver_roles, approval_count,
			 timeout_hours, auto_execute, risk_level, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (operation_type) DO UPDATE SET
				description = EXCLUDED.description,
				approval_required = EXCLUDED.approval_required,
				approver_roles = EXCLUDED.approver_roles,
				approval_count = EXCLUDED.approval_count,
				timeout_hours = EXCLUDED.timeout_hours,
				auto_execute = EXCLUDED.auto_execute,
				risk_level = EXCLUDED.risk_level,
				updated_at = EXCLUDED.updated_at`,
			string(p.OperationType), p.Description, p.ApprovalRequired, string(roles),
			p.ApprovalCount, p.TimeoutHours, p.AutoExecute, string(p.RiskLevel),
			timeStr(p.CreatedAt), timeStr(p.UpdatedAt))
		if err != nil {
			return fault.Wrap(fault.Storage, "seed policy", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
