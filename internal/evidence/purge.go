package evidence

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"
)

// purgeable selects findings older than the cutoff that no open session owns.
const purgeable = `f.timestamp < ? AND NOT EXISTS (SELECT 1 FROM session_findings sf
	JOIN analysis_sessions s ON s.id = sf.session_id
	WHERE sf.finding_id = f.id AND s.end_time IS NULL)`

// Purge deletes findings observed before cutoff. IOCs whose source finding goes away
// are re-pointed at their newest remaining contributor, or deleted when none remains.
// Everything happens in one transaction.
func (s *SQLStore) Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	const op = "purge findings"
	ts := formatTime(cutoff)
	var res PurgeResult
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		res = PurgeResult{}
		affected, err := s.affectedIOCs(ctx, tx, ts)
		if err != nil {
			return err
		}
		for _, iocID := range affected {
			var next int64
			err := tx.QueryRowContext(ctx, s.q(`SELECT f.id FROM ioc_contributions c
				JOIN nested_findings f ON f.id = c.finding_id
				WHERE c.ioc_id = ? AND NOT (`+purgeable+`)
				ORDER BY f.timestamp DESC, f.id DESC LIMIT 1`), iocID, ts).Scan(&next)
			switch {
			case err == nil:
				if _, err := tx.ExecContext(ctx, s.q(`UPDATE iocs SET source_finding_id = ? WHERE id = ?`), next, iocID); err != nil {
					return err
				}
				res.IOCsRepointed++
			case stderrors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM ioc_contributions WHERE ioc_id = ?`), iocID); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM iocs WHERE id = ?`), iocID); err != nil {
					return err
				}
				res.IOCsDeleted++
			default:
				return err
			}
		}

		doomed := `SELECT f.id FROM nested_findings f WHERE ` + purgeable
		for _, stmt := range []string{
			`DELETE FROM ioc_contributions WHERE finding_id IN (` + doomed + `)`,
			`DELETE FROM session_findings WHERE finding_id IN (` + doomed + `)`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), ts); err != nil {
				return err
			}
		}
		// links are gone, so only the age condition is left to check
		r, err := tx.ExecContext(ctx, s.q(`DELETE FROM nested_findings WHERE timestamp < ?
			AND NOT EXISTS (SELECT 1 FROM session_findings sf WHERE sf.finding_id = nested_findings.id)`), ts)
		if err != nil {
			return err
		}
		res.Findings, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return PurgeResult{}, err
	}
	s.logger.Info("purged evidence", "cutoff", ts, "findings", res.Findings,
		"iocs_deleted", res.IOCsDeleted, "iocs_repointed", res.IOCsRepointed)
	return res, nil
}

func (s *SQLStore) affectedIOCs(ctx context.Context, tx *sql.Tx, ts string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT i.id FROM iocs i
		JOIN nested_findings f ON f.id = i.source_finding_id WHERE `+purgeable+` ORDER BY i.id`), ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
