package store

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// SQLiteStore persists incidents in a SQLite database. Each incident and its
// ordered members are written in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.StoreIO("open", errors.New("sqlite path is empty"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.StoreIO("open", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate")
	if err != nil {
		return nil, domain.StoreIO("open", err)
	}
	// WAL lets readers proceed while one connection writes
	db.SetMaxOpenConns(4)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, domain.StoreIO("migrate", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS incidents (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  candidate_id TEXT NOT NULL,
  correlation_key TEXT NOT NULL,
  actor TEXT NOT NULL,
  host TEXT NOT NULL,
  opened_at INTEGER NOT NULL,
  window_end INTEGER NOT NULL,
  closed_at INTEGER NOT NULL,
  scored_at INTEGER NOT NULL,
  severity REAL NOT NULL,
  label TEXT NOT NULL,
  scored INTEGER NOT NULL,
  deferred INTEGER NOT NULL,
  supersedes TEXT NOT NULL DEFAULT '',
  close_reason TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS incident_members (
  incident_id TEXT NOT NULL REFERENCES incidents(id),
  position INTEGER NOT NULL,
  event_id TEXT NOT NULL,
  PRIMARY KEY (incident_id, position)
);
CREATE INDEX IF NOT EXISTS idx_incidents_closed ON incidents(closed_at, seq);
CREATE INDEX IF NOT EXISTS idx_incidents_actor ON incidents(actor);
CREATE INDEX IF NOT EXISTS idx_incidents_supersedes ON incidents(supersedes);
`)
	return err
}

// Persist implements Store
func (s *SQLiteStore) Persist(ctx context.Context, incident *domain.Incident) error {
	if err := validate("persist", incident); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreIO("persist", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM incidents WHERE id = ?`, incident.ID).Scan(&exists)
	switch {
	case err == nil:
		return duplicate(incident.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return domain.StoreIO("persist", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO incidents(id, candidate_id, correlation_key, actor, host, opened_at, window_end,
  closed_at, scored_at, severity, label, scored, deferred, supersedes, close_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID,
		incident.CandidateID,
		incident.CorrelationKey,
		incident.Actor,
		incident.Host,
		toNanos(incident.OpenedAt),
		toNanos(incident.WindowEnd),
		toNanos(incident.ClosedAt),
		toNanos(incident.ScoredAt),
		incident.Severity,
		incident.Label,
		incident.Scored,
		incident.Deferred,
		incident.Supersedes,
		string(incident.CloseReason),
	)
	if err != nil {
		return domain.StoreIO("persist", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO incident_members(incident_id, position, event_id) VALUES (?, ?, ?)`)
	if err != nil {
		return domain.StoreIO("persist", err)
	}
	defer stmt.Close()

	for pos, eventID := range incident.MemberEvents {
		if _, err := stmt.ExecContext(ctx, incident.ID, pos, eventID); err != nil {
			return domain.StoreIO("persist", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreIO("persist", err)
	}
	return nil
}

const selectIncidents = `
SELECT i.id, i.candidate_id, i.correlation_key, i.actor, i.host, i.opened_at, i.window_end,
  i.closed_at, i.scored_at, i.severity, i.label, i.scored, i.deferred, i.supersedes,
  i.close_reason, m.event_id
FROM incidents i
LEFT JOIN incident_members m ON m.incident_id = i.id`

// Query implements Store
func (s *SQLiteStore) Query(ctx context.Context, filter domain.IncidentFilter) iter.Seq2[*domain.Incident, error] {
	return func(yield func(*domain.Incident, error) bool) {
		where, args := buildWhere(filter)
		q := selectIncidents + where + " ORDER BY i.closed_at, i.seq, m.position"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(nil, domain.StoreIO("query", err))
			return
		}
		defer rows.Close()

		var current *domain.Incident
		emitted := 0
		for rows.Next() {
			inc, member, err := scanIncident(rows)
			if err != nil {
				yield(nil, domain.StoreIO("query", err))
				return
			}
			if current != nil && current.ID == inc.ID {
				if member != "" {
					current.MemberEvents = append(current.MemberEvents, member)
				}
				continue
			}
			if current != nil {
				if !yield(current, nil) {
					return
				}
				emitted++
				if filter.Limit > 0 && emitted == filter.Limit {
					return
				}
			}
			current = inc
			if member != "" {
				current.MemberEvents = append(current.MemberEvents, member)
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, domain.StoreIO("query", err))
			return
		}
		if current != nil {
			yield(current, nil)
		}
	}
}

func buildWhere(f domain.IncidentFilter) (string, []any) {
	var clauses []string
	var args []any

	if !f.Since.IsZero() {
		clauses = append(clauses, "i.closed_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "i.opened_at <= ?")
		args = append(args, toNanos(f.Until))
	}
	if f.Actor != "" {
		clauses = append(clauses, "i.actor = ?")
		args = append(args, f.Actor)
	}
	if f.DeferredOnly {
		clauses = append(clauses, "i.deferred = 1",
			"NOT EXISTS (SELECT 1 FROM incidents s WHERE s.supersedes = i.id)")
	}

	scored := "(i.scored = 1 AND i.severity >= ?)"
	args = append(args, f.MinSeverity)
	if f.IncludeUnscored || f.DeferredOnly {
		scored = "(" + scored + " OR i.scored = 0)"
	}
	clauses = append(clauses, scored)

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Incident, error) {
	rows, err := s.db.QueryContext(ctx, selectIncidents+" WHERE i.id = ? ORDER BY m.position", id)
	if err != nil {
		return nil, domain.StoreIO("get", err)
	}
	defer rows.Close()

	var inc *domain.Incident
	for rows.Next() {
		row, member, err := scanIncident(rows)
		if err != nil {
			return nil, domain.StoreIO("get", err)
		}
		if inc == nil {
			inc = row
		}
		if member != "" {
			inc.MemberEvents = append(inc.MemberEvents, member)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreIO("get", err)
	}
	if inc == nil {
		return nil, notFound(id)
	}
	return inc, nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanIncident(rows *sql.Rows) (*domain.Incident, string, error) {
	var (
		inc                                   domain.Incident
		opened, windowEnd, closedAt, scoredAt int64
		reason                                string
		member                                sql.NullString
	)
	err := rows.Scan(
		&inc.ID,
		&inc.CandidateID,
		&inc.CorrelationKey,
		&inc.Actor,
		&inc.Host,
		&opened,
		&windowEnd,
		&closedAt,
		&scoredAt,
		&inc.Severity,
		&inc.Label,
		&inc.Scored,
		&inc.Deferred,
		&inc.Supersedes,
		&reason,
		&member,
	)
	if err != nil {
		return nil, "", err
	}
	inc.OpenedAt = fromNanos(opened)
	inc.WindowEnd = fromNanos(windowEnd)
	inc.ClosedAt = fromNanos(closedAt)
	inc.ScoredAt = fromNanos(scoredAt)
	inc.CloseReason = domain.CloseReason(reason)
	return &inc, member.String, nil
}

// zero times are stored as 0
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
