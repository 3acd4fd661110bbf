package evidence

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store over database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	cfg     config.Storage
	logger  hclog.Logger
	onRetry func(op string)
}

// Option configures an SQLStore.
type Option func(*SQLStore)

// WithRetryObserver registers a callback invoked before every contention retry.
func WithRetryObserver(f func(op string)) Option {
	return func(s *SQLStore) {
		s.onRetry = f
	}
}

// Open connects to the configured backend and creates the schema when missing.
func Open(ctx context.Context, cfg config.Storage, logger hclog.Logger, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, errors.New(errors.KindConfigInvalid, "open evidence store", err)
	}
	if cfg.DSN == "" {
		return nil, errors.Newf(errors.KindConfigInvalid, "open evidence store", "dsn is empty")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db, err := sql.Open(d.driver, d.dsn(cfg))
	if err != nil {
		return nil, errors.New(errors.KindStorageFailure, "open evidence store", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, dialect: d, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("evidence store ready", "driver", d.name)
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, "migrate", func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, s.dialect.types.Replace(stmt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// CreateSession records a new open session and returns it with its id.
func (s *SQLStore) CreateSession(ctx context.Context, sess findings.Session) (findings.Session, error) {
	const op = "create session"
	if sess.StartTime.IsZero() {
		sess.StartTime = time.Now()
	}
	sess.StartTime = sess.StartTime.UTC().Truncate(time.Microsecond)
	sess.EndTime = nil
	sess.TotalLayers, sess.DeepestLayer = 0, 0
	info, err := encodeMap(sess.SystemInfo)
	if err != nil {
		return findings.Session{}, errors.New(errors.KindStorageFailure, op, err)
	}

	err = s.withTx(ctx, op, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.q(`INSERT INTO analysis_sessions
			(start_time, total_layers, deepest_layer, privilege_level, system_info)
			VALUES (?, 0, 0, ?, ?) RETURNING id`),
			formatTime(sess.StartTime), sess.PrivilegeLevel, info).Scan(&sess.ID)
	})
	if err != nil {
		return findings.Session{}, err
	}
	return sess, nil
}

// GetSession returns the session with id. A missing session is an IntegrityViolation.
func (s *SQLStore) GetSession(ctx context.Context, id int64) (findings.Session, error) {
	const op = "get session"
	var sess findings.Session
	err := s.retry(ctx, op, func() error {
		var err error
		sess, err = s.loadSession(ctx, s.db, id)
		return err
	})
	return sess, err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLStore) loadSession(ctx context.Context, q querier, id int64) (findings.Session, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT id, start_time, end_time, total_layers, deepest_layer,
		privilege_level, system_info FROM analysis_sessions WHERE id = ?`), id)

	var (
		sess       findings.Session
		start, inf string
		end        sql.NullString
	)
	err := row.Scan(&sess.ID, &start, &end, &sess.TotalLayers, &sess.DeepestLayer, &sess.PrivilegeLevel, &inf)
	if stderrors.Is(err, sql.ErrNoRows) {
		return findings.Session{}, errors.Newf(errors.KindIntegrityViolation, "load session", "session %d does not exist", id)
	}
	if err != nil {
		return findings.Session{}, err
	}
	if sess.StartTime, err = parseTime(start); err != nil {
		return findings.Session{}, err
	}
	if end.Valid {
		t, err := parseTime(end.String)
		if err != nil {
			return findings.Session{}, err
		}
		sess.EndTime = &t
	}
	if sess.SystemInfo, err = decodeMap(inf); err != nil {
		return findings.Session{}, err
	}
	return sess, nil
}

// FinalizeSession writes end_time and the final totals. It succeeds exactly once per session.
func (s *SQLStore) FinalizeSession(ctx context.Context, id int64, end time.Time) (findings.Session, error) {
	const op = "finalize session"
	end = end.UTC().Truncate(time.Microsecond)
	var out findings.Session
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		sess, err := s.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Closed() {
			return errors.Newf(errors.KindIntegrityViolation, op, "session %d is already closed", id)
		}
		if end.Before(sess.StartTime) {
			end = sess.StartTime
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE analysis_sessions SET
			end_time = ?,
			total_layers = (SELECT COUNT(*) FROM session_findings WHERE session_id = ?),
			deepest_layer = COALESCE((SELECT MAX(f.depth_score) FROM nested_findings f
				JOIN session_findings sf ON sf.finding_id = f.id WHERE sf.session_id = ?), 0)
			WHERE id = ? AND end_time IS NULL`), formatTime(end), id, id, id)
		if err != nil {
			return err
		}
		out, err = s.loadSession(ctx, tx, id)
		return err
	})
	return out, err
}

// InsertFinding appends one finding to an open session and returns its id.
func (s *SQLStore) InsertFinding(ctx context.Context, sessionID int64, f findings.Finding) (int64, error) {
	ids, err := s.InsertFindings(ctx, sessionID, []findings.Finding{f})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertFindings appends a layer batch atomically: either every finding is stored and
// linked to the session or none is. The session totals advance in the same transaction.
func (s *SQLStore) InsertFindings(ctx context.Context, sessionID int64, batch []findings.Finding) ([]int64, error) {
	const op = "insert findings"
	if len(batch) == 0 {
		return []int64{}, nil
	}
	rows := make([]findingRow, len(batch))
	deepest := 0
	for i, f := range batch {
		if err := f.Validate(); err != nil {
			return nil, errors.New(errors.KindIntegrityViolation, op, fmt.Errorf("finding %d of batch: %w", i, err))
		}
		r, err := newFindingRow(f)
		if err != nil {
			return nil, errors.New(errors.KindStorageFailure, op, err)
		}
		rows[i] = r
		if f.DepthScore > deepest {
			deepest = f.DepthScore
		}
	}

	var ids []int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		ids = make([]int64, 0, len(rows))
		var end sql.NullString
		err := tx.QueryRowContext(ctx, s.q(`SELECT end_time FROM analysis_sessions WHERE id = ?`+s.dialect.forUpdate), sessionID).Scan(&end)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.Newf(errors.KindIntegrityViolation, op, "session %d does not exist", sessionID)
		}
		if err != nil {
			return err
		}
		if end.Valid {
			return errors.Newf(errors.KindIntegrityViolation, op, "session %d is closed", sessionID)
		}

		for _, r := range rows {
			var id int64
			err := tx.QueryRowContext(ctx, s.q(`INSERT INTO nested_findings
				(timestamp, layer, artifact_type, location, description, evidence_hash, depth_score,
				 metadata, file_size, permissions, ioc_confidence, threat_level)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				r.timestamp, r.layer, r.artifactType, r.location, r.description, r.evidenceHash, r.depthScore,
				r.metadata, r.fileSize, r.permissions, r.iocConfidence, r.threatLevel).Scan(&id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO session_findings (session_id, finding_id) VALUES (?, ?)`), sessionID, id); err != nil {
				return err
			}
			ids = append(ids, id)
		}

		_, err = tx.ExecContext(ctx, s.q(`UPDATE analysis_sessions SET
			total_layers = total_layers + ?,
			deepest_layer = CASE WHEN deepest_layer < ? THEN ? ELSE deepest_layer END
			WHERE id = ?`), len(rows), deepest, deepest, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// QueryFindings returns findings matching filter, newest first.
func (s *SQLStore) QueryFindings(ctx context.Context, filter FindingFilter) ([]findings.Finding, error) {
	const op = "query findings"
	var (
		where []string
		args  []interface{}
		from  = "nested_findings f"
	)
	if filter.SessionID != 0 {
		from += " JOIN session_findings sf ON sf.finding_id = f.id"
		where = append(where, "sf.session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Layer != 0 {
		where = append(where, "f.layer = ?")
		args = append(args, int(filter.Layer))
	}
	if filter.MinThreat != "" {
		var levels []interface{}
		for _, l := range []findings.ThreatLevel{findings.ThreatLow, findings.ThreatMedium, findings.ThreatHigh, findings.ThreatCritical} {
			if l.Rank() >= filter.MinThreat.Rank() {
				levels = append(levels, string(l))
			}
		}
		where = append(where, "f.threat_level IN ("+placeholders(len(levels))+")")
		args = append(args, levels...)
	}
	if !filter.Since.IsZero() {
		where = append(where, "f.timestamp >= ?")
		args = append(args, formatTime(filter.Since))
	}

	query := `SELECT f.id, f.timestamp, f.layer, f.artifact_type, f.location, f.description, f.evidence_hash,
		f.depth_score, f.metadata, f.file_size, f.permissions, f.ioc_confidence, f.threat_level FROM ` + from
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY f.timestamp DESC, f.id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var out []findings.Finding
	err := s.retry(ctx, op, func() error {
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = []findings.Finding{}
		for rows.Next() {
			f, err := scanFinding(rows)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}
