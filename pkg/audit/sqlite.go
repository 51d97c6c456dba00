package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on SQLite. A single pinned connection lets
// SQLite serialize writers.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore opens (or creates) the audit database.
// Use ":memory:" for an in-memory log.
func NewSQLiteStore(dsn string, cfg Config) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rotations (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key     TEXT NOT NULL,
		agent_id        TEXT DEFAULT '',
		old_session_id  TEXT DEFAULT '',
		new_session_id  TEXT DEFAULT '',
		decision        TEXT NOT NULL,
		score           REAL DEFAULT 0,
		novelty         REAL DEFAULT 0,
		similarity      REAL,
		used_embedding  INTEGER DEFAULT 0,
		outcome         TEXT NOT NULL,
		reason          TEXT DEFAULT '',
		handoff_queued  INTEGER DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rotations_session ON rotations(session_key);
	CREATE INDEX IF NOT EXISTS idx_rotations_created ON rotations(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a rotation and returns its id.
func (s *SQLiteStore) Record(ctx context.Context, r Rotation) (int64, error) {
	if r.SessionKey == "" {
		return 0, ErrInvalidRecord
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	var sim sql.NullFloat64
	if r.Similarity != nil {
		sim = sql.NullFloat64{Float64: *r.Similarity, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rotations (session_key, agent_id, old_session_id, new_session_id, decision, score, novelty, similarity, used_embedding, outcome, reason, handoff_queued, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionKey, r.AgentID, r.OldSessionID, r.NewSessionID, r.Decision,
		r.Score, r.Novelty, sim, boolInt(r.UsedEmbedding), r.Outcome, r.Reason,
		boolInt(r.HandoffQueued), r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert rotation: %w", err)
	}
	return res.LastInsertId()
}

// List returns rotations newest first.
func (s *SQLiteStore) List(ctx context.Context, req ListRequest) ([]Rotation, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if req.SessionKey != "" {
		where = append(where, "session_key = ?")
		args = append(args, req.SessionKey)
	}
	if !req.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, req.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, session_key, agent_id, old_session_id, new_session_id, decision, score, novelty, similarity, used_embedding, outcome, reason, handoff_queued, created_at FROM rotations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rotations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Rotation
	for rows.Next() {
		var (
			r                Rotation
			sim              sql.NullFloat64
			usedEmb, handoff int
			createdAt        string
		)
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.AgentID, &r.OldSessionID, &r.NewSessionID,
			&r.Decision, &r.Score, &r.Novelty, &sim, &usedEmb, &r.Outcome, &r.Reason, &handoff, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rotation: %w", err)
		}
		if sim.Valid {
			v := sim.Float64
			r.Similarity = &v
		}
		r.UsedEmbedding = usedEmb != 0
		r.HandoffQueued = handoff != 0
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarizes the log.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByOutcome: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM rotations GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st.ByOutcome[outcome] = n
		st.Total += n
	}
	_ = rows.Close()

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT session_key), MIN(created_at), MAX(created_at) FROM rotations",
	).Scan(&st.Sessions, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	if oldest.Valid {
		st.Oldest, _ = time.Parse(timeLayout, oldest.String)
	}
	if newest.Valid {
		st.Newest, _ = time.Parse(timeLayout, newest.String)
	}
	return st, nil
}

// Prune deletes records created before the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM rotations WHERE created_at < ?",
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune rotations: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
