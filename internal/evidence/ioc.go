package evidence

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

const iocColumns = `i.id, i.ioc_type, i.value, i.confidence, i.first_seen, i.last_seen, i.source_finding_id`

// InsertIOC stores ioc as given, or overwrites the aggregate of an existing IOC with the
// same (type, value). An existing IOC keeps its id and source finding. Every contributor
// and the source finding must exist.
func (s *SQLStore) InsertIOC(ctx context.Context, ioc findings.IOC, contributors []int64) (findings.IOC, error) {
	if ioc.SourceFindingID != 0 && !containsID(contributors, ioc.SourceFindingID) {
		contributors = append(append([]int64{}, contributors...), ioc.SourceFindingID)
	}
	return s.MergeIOC(ctx, ioc.Key(), contributors, func(prev *findings.IOC, _ []findings.Contribution) (findings.IOC, error) {
		next := ioc
		if prev != nil {
			next.ID = prev.ID
			next.SourceFindingID = prev.SourceFindingID
		}
		return next, nil
	})
}

// MergeIOC links contributors to the IOC identified by key and stores the aggregate
// computed by merge, all in one transaction.
func (s *SQLStore) MergeIOC(ctx context.Context, key findings.IOCKey, contributors []int64, merge MergeFunc) (findings.IOC, error) {
	const op = "insert ioc"
	if !key.Type.Valid() {
		return findings.IOC{}, errors.Newf(errors.KindIntegrityViolation, op, "invalid ioc type %q", key.Type)
	}
	if key.Value == "" {
		return findings.IOC{}, errors.Newf(errors.KindIntegrityViolation, op, "ioc %s has no value", key)
	}
	if len(contributors) == 0 {
		return findings.IOC{}, errors.Newf(errors.KindIntegrityViolation, op, "ioc %s has no contributing finding", key)
	}

	var out findings.IOC
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		added, err := s.loadContributors(ctx, tx, contributors)
		if err != nil {
			return err
		}

		var prev *findings.IOC
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+iocColumns+` FROM iocs i WHERE i.ioc_type = ? AND i.value = ?`+s.dialect.forUpdate),
			string(key.Type), key.Value)
		existing, err := scanIOC(row)
		switch {
		case err == nil:
			prev = &existing
		case stderrors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		all := added
		if prev != nil {
			known, err := s.contributions(ctx, tx, prev.ID)
			if err != nil {
				return err
			}
			all = unionContributions(known, added)
		}

		next, err := merge(prev, all)
		if err != nil {
			return err
		}
		next.Type, next.Value = key.Type, key.Value
		if err := validateIOC(next, all); err != nil {
			return errors.New(errors.KindIntegrityViolation, op, err)
		}

		if prev == nil {
			err = tx.QueryRowContext(ctx, s.q(`INSERT INTO iocs
				(ioc_type, value, confidence, first_seen, last_seen, source_finding_id)
				VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
				string(next.Type), next.Value, next.Confidence, formatTime(next.FirstSeen), formatTime(next.LastSeen),
				next.SourceFindingID).Scan(&next.ID)
		} else {
			next.ID = prev.ID
			_, err = tx.ExecContext(ctx, s.q(`UPDATE iocs SET confidence = ?, first_seen = ?, last_seen = ?,
				source_finding_id = ? WHERE id = ?`),
				next.Confidence, formatTime(next.FirstSeen), formatTime(next.LastSeen), next.SourceFindingID, next.ID)
		}
		if err != nil {
			return err
		}

		for _, c := range added {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO ioc_contributions (ioc_id, finding_id) VALUES (?, ?)
				ON CONFLICT (ioc_id, finding_id) DO NOTHING`), next.ID, c.FindingID); err != nil {
				return err
			}
		}
		next.FirstSeen = next.FirstSeen.UTC().Truncate(time.Microsecond)
		next.LastSeen = next.LastSeen.UTC().Truncate(time.Microsecond)
		out = next
		return nil
	})
	return out, err
}

// loadContributors resolves finding ids to contributions. A missing finding is an
// IntegrityViolation.
func (s *SQLStore) loadContributors(ctx context.Context, tx *sql.Tx, ids []int64) ([]findings.Contribution, error) {
	uniq := make([]interface{}, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	rows, err := tx.QueryContext(ctx, s.q(`SELECT id, ioc_confidence, timestamp FROM nested_findings
		WHERE id IN (`+placeholders(len(uniq))+`)`), uniq...)
	if err != nil {
		return nil, err
	}
	out, err := scanContributions(rows)
	if err != nil {
		return nil, err
	}
	if len(out) != len(uniq) {
		found := make(map[int64]bool, len(out))
		for _, c := range out {
			found[c.FindingID] = true
		}
		var missing []string
		for _, id := range uniq {
			if !found[id.(int64)] {
				missing = append(missing, fmt.Sprint(id))
			}
		}
		return nil, errors.Newf(errors.KindIntegrityViolation, "insert ioc", "findings %s do not exist", strings.Join(missing, ", "))
	}
	return out, nil
}

// Contributions returns every finding linked to the IOC, oldest first.
func (s *SQLStore) Contributions(ctx context.Context, iocID int64) ([]findings.Contribution, error) {
	var out []findings.Contribution
	err := s.retry(ctx, "query contributions", func() error {
		var err error
		out, err = s.contributions(ctx, s.db, iocID)
		return err
	})
	return out, err
}

func (s *SQLStore) contributions(ctx context.Context, q querier, iocID int64) ([]findings.Contribution, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT f.id, f.ioc_confidence, f.timestamp FROM ioc_contributions c
		JOIN nested_findings f ON f.id = c.finding_id WHERE c.ioc_id = ?`), iocID)
	if err != nil {
		return nil, err
	}
	return scanContributions(rows)
}

func scanContributions(rows *sql.Rows) ([]findings.Contribution, error) {
	defer rows.Close()
	out := []findings.Contribution{}
	for rows.Next() {
		var (
			c  findings.Contribution
			ts string
		)
		if err := rows.Scan(&c.FindingID, &c.Confidence, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		c.Timestamp = t
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortContributions(out)
	return out, nil
}

func sortContributions(cs []findings.Contribution) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Timestamp.Before(cs[j].Timestamp)
		}
		return cs[i].FindingID < cs[j].FindingID
	})
}

func unionContributions(a, b []findings.Contribution) []findings.Contribution {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]findings.Contribution, 0, len(a)+len(b))
	for _, list := range [][]findings.Contribution{a, b} {
		for _, c := range list {
			if !seen[c.FindingID] {
				seen[c.FindingID] = true
				out = append(out, c)
			}
		}
	}
	sortContributions(out)
	return out
}

func validateIOC(i findings.IOC, contributors []findings.Contribution) error {
	if math.IsNaN(i.Confidence) || i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("ioc %s confidence %v outside [0,1]", i.Key(), i.Confidence)
	}
	if i.FirstSeen.IsZero() || i.LastSeen.Before(i.FirstSeen) {
		return fmt.Errorf("ioc %s has inconsistent first_seen %v and last_seen %v", i.Key(), i.FirstSeen, i.LastSeen)
	}
	for _, c := range contributors {
		if c.FindingID == i.SourceFindingID {
			return nil
		}
	}
	return fmt.Errorf("ioc %s source finding %d is not a contributor", i.Key(), i.SourceFindingID)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// QueryIOCs returns IOCs matching filter, most recently seen first.
func (s *SQLStore) QueryIOCs(ctx context.Context, filter IOCFilter) ([]findings.IOC, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "i.ioc_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.SessionID != 0 {
		where = append(where, `EXISTS (SELECT 1 FROM ioc_contributions c
			JOIN session_findings sf ON sf.finding_id = c.finding_id
			WHERE c.ioc_id = i.id AND sf.session_id = ?)`)
		args = append(args, filter.SessionID)
	}
	if filter.MinConfidence > 0 {
		where = append(where, "i.confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	query := `SELECT ` + iocColumns + ` FROM iocs i`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.last_seen DESC, i.id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var out []findings.IOC
	err := s.retry(ctx, "query iocs", func() error {
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = []findings.IOC{}
		for rows.Next() {
			i, err := scanIOC(rows)
			if err != nil {
				return err
			}
			out = append(out, i)
		}
		return rows.Err()
	})
	return out, err
}
