// Package sqlite provides an embedded SQLite implementation of
// storage.Store for single-node deployments that need durability without
// a database server. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/storage"
)

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *sql.DB
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
//
// The pool is limited to one connection: SQLite serializes writers anyway,
// and an in-memory database exists only on the connection that created it.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const sessionColumns = `id, protocol_id, order_id, patient_id, test_id, status, current_step,
	steps, data, results, reason, owner, version, created_at, updated_at, completed_at`

// CreateSession persists a new session with version 1.
func (s *Store) CreateSession(ctx context.Context, sess *api.Session) error {
	steps, data, results, err := encodeSession(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`,
		sess.ID, sess.ProtocolID,
		nullString(sess.Refs.OrderID), nullString(sess.Refs.PatientID), nullString(sess.Refs.TestID),
		string(sess.Status), sess.CurrentStep,
		steps, data, results,
		nullString(sess.Reason), nullString(sess.Owner),
		unixNano(sess.CreatedAt), unixNano(sess.UpdatedAt), nullTime(sess.CompletedAt),
	)
	if err != nil {
		if hasCode(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}

	sess.Version = 1
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*api.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// UpdateSession writes the session if the stored version still equals
// sess.Version.
func (s *Store) UpdateSession(ctx context.Context, sess *api.Session) error {
	_, data, results, err := encodeSession(sess)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, current_step = ?, data = ?, results = ?,
			reason = ?, updated_at = ?, completed_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(sess.Status), sess.CurrentStep, data, results,
		nullString(sess.Reason), unixNano(sess.UpdatedAt), nullTime(sess.CompletedAt),
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		if err := s.requireSession(ctx, sess.ID); err != nil {
			return err
		}
		return storage.ErrVersionConflict
	}

	sess.Version++
	return nil
}

// DeleteSession removes a session; captures and audit rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSessions returns a paginated, filtered list of sessions.
func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) (*storage.SessionList, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any

	if opts.ProtocolID != "" {
		query += " AND protocol_id = ?"
		args = append(args, opts.ProtocolID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Owner != "" {
		query += " AND owner = ?"
		args = append(args, opts.Owner)
	}

	asc := opts.Ascending()
	cursor, forward := opts.After, true
	if cursor == "" {
		cursor, forward = opts.Before, false
	}
	if cursor != "" {
		// after+asc and before+desc look at later rows.
		op := "<"
		if asc == forward {
			op = ">"
		}
		query += fmt.Sprintf(` AND (created_at %[1]s (SELECT created_at FROM sessions WHERE id = ?)
			OR (created_at = (SELECT created_at FROM sessions WHERE id = ?) AND id %[1]s ?))`, op)
		args = append(args, cursor, cursor, cursor)
	}

	if asc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	limit := opts.NormalizedLimit()
	query += " LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var matches []*api.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO captures (`+captureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.SessionID, c.StepID, c.StepOrder, string(c.Kind),
		artifact, nullString(c.Value), nullString(c.Service), nullString(c.AnalysisKind),
		string(c.AnalysisStatus), result, c.Confidence, nullString(c.Error),
		unixNano(c.CreatedAt), unixNano(c.UpdatedAt), nullTime(c.AnalyzedAt),
	)
	if err != nil {
		switch {
		case hasCode(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY):
			return storage.ErrConflict
		case hasCode(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY):
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// GetCapture retrieves a capture by ID.
func (s *Store) GetCapture(ctx context.Context, id string) (*api.Capture, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = ?`, id)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query capture: %w", err)
	}
	return c, nil
}

// UpdateCapture writes the mutable fields of a capture.
func (s *Store) UpdateCapture(ctx context.Context, c *api.Capture) error {
	artifact, result, err := encodeCapture(c)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE captures SET
			artifact = ?, value = ?, service = ?, analysis_kind = ?,
			analysis_status = ?, result = ?, confidence = ?, error = ?,
			updated_at = ?, analyzed_at = ?
		WHERE id = ?
	`,
		artifact, nullString(c.Value), nullString(c.Service), nullString(c.AnalysisKind),
		string(c.AnalysisStatus), result, c.Confidence, nullString(c.Error),
		unixNano(c.UpdatedAt), nullTime(c.AnalyzedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update capture: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update capture: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCaptures returns a session's captures in creation order.
func (s *Store) ListCaptures(ctx context.Context, sessionID string) ([]*api.Capture, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()

	out := []*api.Capture{}
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendAudit inserts an audit row and sets the entry's ID.
func (s *Store) AppendAudit(ctx context.Context, e *api.AuditEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			session_id, event_type, before_status, after_status,
			actor, comment, step_order, capture_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.SessionID, string(e.EventType), nullString(e.BeforeStatus), nullString(e.AfterStatus),
		nullString(e.Actor), nullString(e.Comment), e.StepOrder, nullString(e.CaptureID), unixNano(e.CreatedAt),
	)
	if err != nil {
		if hasCode(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	e.ID = id
	return nil
}

// ListAudit returns a session's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, sessionID string) ([]*api.AuditEntry, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, before_status, after_status,
		       actor, comment, step_order, capture_id, created_at
		FROM audit_log WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := []*api.AuditEntry{}
	for rows.Next() {
		var e api.AuditEntry
		var eventType string
		var before, after, actor, comment, captureID sql.NullString
		var stepOrder sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &before, &after,
			&actor, &comment, &stepOrder, &captureID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EventType = api.AuditEventType(eventType)
		e.BeforeStatus = before.String
		e.AfterStatus = after.String
		e.Actor = actor.String
		e.Comment = comment.String
		e.CaptureID = captureID.String
		e.StepOrder = int(stepOrder.Int64)
		e.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) requireSession(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func encodeSession(sess *api.Session) (steps, data string, results sql.NullString, err error) {
	b, err := json.Marshal(sess.Steps)
	if err != nil {
		return "", "", results, fmt.Errorf("marshal steps: %w", err)
	}
	steps = string(b)

	d := sess.Data
	if d == nil {
		d = api.StepData{}
	}
	if b, err = json.Marshal(d); err != nil {
		return "", "", results, fmt.Errorf("marshal data: %w", err)
	}
	data = string(b)

	if sess.Results != nil {
		if b, err = json.Marshal(sess.Results); err != nil {
			return "", "", results, fmt.Errorf("marshal results: %w", err)
		}
		results = sql.NullString{String: string(b), Valid: true}
	}
	return steps, data, results, nil
}

func scanSession(row scanner) (*api.Session, error) {
	var sess api.Session
	var status, steps, data string
	var orderID, patientID, testID, reason, owner, results sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.ProtocolID, &orderID, &patientID, &testID, &status, &sess.CurrentStep,
		&steps, &data, &results, &reason, &owner, &sess.Version,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Object = "session"
	sess.Status = api.SessionStatus(status)
	sess.Refs = api.SessionRefs{OrderID: orderID.String, PatientID: patientID.String, TestID: testID.String}
	sess.Reason = reason.String
	sess.Owner = owner.String
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.UpdatedAt = time.Unix(0, updatedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		sess.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(steps), &sess.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &sess.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	if results.Valid {
		if err := json.Unmarshal([]byte(results.String), &sess.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return &sess, nil
}

func encodeCapture(c *api.Capture) (artifact, result sql.NullString, err error) {
	if c.Artifact != nil {
		b, err := json.Marshal(c.Artifact)
		if err != nil {
			return artifact, result, fmt.Errorf("marshal artifact: %w", err)
		}
		artifact = sql.NullString{String: string(b), Valid: true}
	}
	if c.Result != nil {
		b, err := json.Marshal(c.Result)
		if err != nil {
			return artifact, result, fmt.Errorf("marshal result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	return artifact, result, nil
}

func scanCapture(row scanner) (*api.Capture, error) {
	var c api.Capture
	var kind, status string
	var artifact, value, service, analysisKind, result, errMsg sql.NullString
	var confidence sql.NullFloat64
	var createdAt, updatedAt int64
	var analyzedAt sql.NullInt64

	err := row.Scan(
		&c.ID, &c.SessionID, &c.StepID, &c.StepOrder, &kind, &artifact, &value, &service,
		&analysisKind, &status, &result, &confidence, &errMsg,
		&createdAt, &updatedAt, &analyzedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Object = "capture"
	c.Kind = api.CaptureKind(kind)
	c.AnalysisStatus = api.AnalysisStatus(status)
	c.Value = value.String
	c.Service = service.String
	c.AnalysisKind = analysisKind.String
	c.Error = errMsg.String
	c.CreatedAt = time.Unix(0, createdAt)
	c.UpdatedAt = time.Unix(0, updatedAt)
	if confidence.Valid {
		v := confidence.Float64
		c.Confidence = &v
	}
	if analyzedAt.Valid {
		t := time.Unix(0, analyzedAt.Int64)
		c.AnalyzedAt = &t
	}
	if artifact.Valid {
		c.Artifact = &api.ArtifactRef{}
		if err := json.Unmarshal([]byte(artifact.String), c.Artifact); err != nil {
			return nil, fmt.Errorf("unmarshal artifact: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &c.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &c, nil
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// hasCode reports whether err is a SQLite error with the given extended
// result code.
func hasCode(err error, code int) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == code
}
