// Package postgres provides a PostgreSQL implementation of storage.Store.
// It uses pgx/v5 for connection pooling and JSONB for pinned steps, step
// data, artifact references, and analysis results.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/storage"
)

// PostgreSQL error codes the store maps onto storage sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New connects to PostgreSQL and, when cfg.Migrate is set, brings the
// schema up to date.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

const sessionColumns = `id, protocol_id, order_id, patient_id, test_id, status, current_step,
	steps, data, results, reason, owner, version, created_at, updated_at, completed_at`

// CreateSession persists a new session with version 1.
func (s *Store) CreateSession(ctx context.Context, sess *api.Session) error {
	cols, err := encodeSession(sess)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14, $15)
	`,
		sess.ID, sess.ProtocolID,
		nullString(sess.Refs.OrderID), nullString(sess.Refs.PatientID), nullString(sess.Refs.TestID),
		string(sess.Status), sess.CurrentStep,
		cols.steps, cols.data, nullJSON(cols.results),
		nullString(sess.Reason), nullString(sess.Owner),
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	sess.Version = 1
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*api.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// UpdateSession writes the session if the stored version still equals
// sess.Version, bumping the version in the same statement.
func (s *Store) UpdateSession(ctx context.Context, sess *api.Session) error {
	cols, err := encodeSession(sess)
	if err != nil {
		return err
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			status = $3, current_step = $4, data = $5, results = $6,
			reason = $7, updated_at = $8, completed_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
	`,
		sess.ID, sess.Version,
		string(sess.Status), sess.CurrentStep, cols.data, nullJSON(cols.results),
		nullString(sess.Reason), sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)", sess.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking session: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}

	sess.Version++
	return nil
}

// DeleteSession removes a session. Captures and audit rows go with it
// through ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSessions returns a paginated list of sessions ordered by creation
// time, with optional protocol, status, and owner filters.
func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) (*storage.SessionList, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.ProtocolID != "" {
		query += " AND protocol_id = " + arg(opts.ProtocolID)
	}
	if opts.Status != "" {
		query += " AND status = " + arg(string(opts.Status))
	}
	if opts.Owner != "" {
		query += " AND owner = " + arg(opts.Owner)
	}

	asc := opts.Ascending()
	if opts.After != "" {
		op := "<"
		if asc {
			op = ">"
		}
		query += fmt.Sprintf(" AND (created_at, id) %s (SELECT created_at, id FROM sessions WHERE id = %s)", op, arg(opts.After))
	} else if opts.Before != "" {
		op := ">"
		if asc {
			op = "<"
		}
		query += fmt.Sprintf(" AND (created_at, id) %s (SELECT created_at, id FROM sessions WHERE id = %s)", op, arg(opts.Before))
	}

	if asc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	limit := opts.NormalizedLimit()
	query += " LIMIT " + arg(limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var matches []*api.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return storage.NewSessionList(matches, limit), nil
}

const captureColumns = `id, session_id, step_id, step_order, kind, artifact, value, service,
	analysis_kind, analysis_status, result, confidence, error, created_at, updated_at, analyzed_at`

// CreateCapture persists a new capture. The owning session must exist.
func (s *Store) CreateCapture(ctx context.Context, c *api.Capture) error {
	artifact, result, err := encodeCapture(c)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO captures (`+captureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		c.ID, c.SessionID, c.StepID, c.StepOrder, string(c.Kind),
		nullJSON(artifact), nullString(c.Value), nullString(c.Service), nullString(c.AnalysisKind),
		string(c.AnalysisStatus), nullJSON(result), c.Confidence, nullString(c.Error),
		c.CreatedAt, c.UpdatedAt, c.AnalyzedAt,
	)
	if err != nil {
		switch {
		case hasCode(err, codeUniqueViolation):
			return storage.ErrConflict
		case hasCode(err, codeForeignKeyViolation):
			return storage.ErrNotFound
		}
		return fmt.Errorf("inserting capture: %w", err)
	}
	return nil
}

// GetCapture retrieves a capture by ID.
func (s *Store) GetCapture(ctx context.Context, id string) (*api.Capture, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = $1`, id)
	c, err := scanCapture(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying capture: %w", err)
	}
	return c, nil
}

// UpdateCapture writes the mutable analysis fields of a capture.
func (s *Store) UpdateCapture(ctx context.Context, c *api.Capture) error {
	artifact, result, err := encodeCapture(c)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE captures SET
			artifact = $2, value = $3, service = $4, analysis_kind = $5,
			analysis_status = $6, result = $7, confidence = $8, error = $9,
			updated_at = $10, analyzed_at = $11
		WHERE id = $1
	`,
		c.ID, nullJSON(artifact), nullString(c.Value), nullString(c.Service), nullString(c.AnalysisKind),
		string(c.AnalysisStatus), nullJSON(result), c.Confidence, nullString(c.Error),
		c.UpdatedAt, c.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("updating capture: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCaptures returns a session's captures in creation order.
func (s *Store) ListCaptures(ctx context.Context, sessionID string) ([]*api.Capture, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing captures: %w", err)
	}
	defer rows.Close()

	out := []*api.Capture{}
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendAudit inserts an audit row and sets the entry's ID.
func (s *Store) AppendAudit(ctx context.Context, e *api.AuditEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (
			session_id, event_type, before_status, after_status,
			actor, comment, step_order, capture_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		e.SessionID, string(e.EventType), nullString(e.BeforeStatus), nullString(e.AfterStatus),
		nullString(e.Actor), nullString(e.Comment), e.StepOrder, nullString(e.CaptureID), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a session's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, sessionID string) ([]*api.AuditEntry, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, event_type, before_status, after_status,
		       actor, comment, step_order, capture_id, created_at
		FROM audit_log WHERE session_id = $1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing audit: %w", err)
	}
	defer rows.Close()

	out := []*api.AuditEntry{}
	for rows.Next() {
		var e api.AuditEntry
		var eventType string
		var before, after, actor, comment, captureID *string
		var stepOrder *int
		if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &before, &after,
			&actor, &comment, &stepOrder, &captureID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.EventType = api.AuditEventType(eventType)
		e.BeforeStatus = deref(before)
		e.AfterStatus = deref(after)
		e.Actor = deref(actor)
		e.Comment = deref(comment)
		e.CaptureID = deref(captureID)
		if stepOrder != nil {
			e.StepOrder = *stepOrder
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) requireSession(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

type sessionJSON struct {
	steps, data, results []byte
}

func encodeSession(sess *api.Session) (sessionJSON, error) {
	var out sessionJSON
	var err error
	if out.steps, err = json.Marshal(sess.Steps); err != nil {
		return out, fmt.Errorf("marshaling steps: %w", err)
	}
	data := sess.Data
	if data == nil {
		data = api.StepData{}
	}
	if out.data, err = json.Marshal(data); err != nil {
		return out, fmt.Errorf("marshaling data: %w", err)
	}
	if sess.Results != nil {
		if out.results, err = json.Marshal(sess.Results); err != nil {
			return out, fmt.Errorf("marshaling results: %w", err)
		}
	}
	return out, nil
}

func scanSession(row pgx.Row) (*api.Session, error) {
	var sess api.Session
	var status string
	var orderID, patientID, testID, reason, owner *string
	var steps, data, results []byte
	var completedAt *time.Time

	err := row.Scan(
		&sess.ID, &sess.ProtocolID, &orderID, &patientID, &testID, &status, &sess.CurrentStep,
		&steps, &data, &results, &reason, &owner, &sess.Version,
		&sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Object = "session"
	sess.Status = api.SessionStatus(status)
	sess.Refs = api.SessionRefs{OrderID: deref(orderID), PatientID: deref(patientID), TestID: deref(testID)}
	sess.Reason = deref(reason)
	sess.Owner = deref(owner)
	sess.CompletedAt = completedAt

	if err := json.Unmarshal(steps, &sess.Steps); err != nil {
		return nil, fmt.Errorf("unmarshaling steps: %w", err)
	}
	if err := json.Unmarshal(data, &sess.Data); err != nil {
		return nil, fmt.Errorf("unmarshaling data: %w", err)
	}
	if sess.Data == nil {
		sess.Data = api.StepData{}
	}
	if results != nil {
		if err := json.Unmarshal(results, &sess.Results); err != nil {
			return nil, fmt.Errorf("unmarshaling results: %w", err)
		}
	}
	return &sess, nil
}

func encodeCapture(c *api.Capture) (artifact, result []byte, err error) {
	if c.Artifact != nil {
		if artifact, err = json.Marshal(c.Artifact); err != nil {
			return nil, nil, fmt.Errorf("marshaling artifact: %w", err)
		}
	}
	if c.Result != nil {
		if result, err = json.Marshal(c.Result); err != nil {
			return nil, nil, fmt.Errorf("marshaling result: %w", err)
		}
	}
	return artifact, result, nil
}

func scanCapture(row pgx.Row) (*api.Capture, error) {
	var c api.Capture
	var kind, status string
	var value, service, analysisKind, errMsg *string
	var artifact, result []byte

	err := row.Scan(
		&c.ID, &c.SessionID, &c.StepID, &c.StepOrder, &kind, &artifact, &value, &service,
		&analysisKind, &status, &result, &c.Confidence, &errMsg,
		&c.CreatedAt, &c.UpdatedAt, &c.AnalyzedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Object = "capture"
	c.Kind = api.CaptureKind(kind)
	c.AnalysisStatus = api.AnalysisStatus(status)
	c.Value = deref(value)
	c.Service = deref(service)
	c.AnalysisKind = deref(analysisKind)
	c.Error = deref(errMsg)

	if artifact != nil {
		c.Artifact = &api.ArtifactRef{}
		if err := json.Unmarshal(artifact, c.Artifact); err != nil {
			return nil, fmt.Errorf("unmarshaling artifact: %w", err)
		}
	}
	if result != nil {
		if err := json.Unmarshal(result, &c.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
	}
	return &c, nil
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// hasCode reports whether err is a PostgreSQL error with the given SQLSTATE.
func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
