package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"autoalign/internal/align"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Store wraps SQLite-backed persistence for alignment sessions and their steps.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection avoids SQLITE_BUSY between the recorder and the web handlers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS align_sessions (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            filter TEXT,
            exptime REAL,
            intra BOOLEAN,
            minimum_stars INTEGER,
            niter INTEGER,
            defocus INTEGER,
            config_json TEXT,
            steps INTEGER DEFAULT 0,
            final_json TEXT,
            failure_kind TEXT,
            error_message TEXT,
            duration_ms INTEGER,
            started_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS align_steps (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            iteration INTEGER NOT NULL,
            x REAL, y REAL, z REAL, u REAL, v REAL,
            star_count INTEGER,
            frame_path TEXT,
            stars_json TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_align_steps_session ON align_steps(session_id, iteration);`,
		`CREATE INDEX IF NOT EXISTS idx_align_sessions_started ON align_sessions(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Session status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// SessionRecord captures a persisted session.
type SessionRecord struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Filter       string          `json:"filter"`
	ExposureTime float64         `json:"exptime"`
	Intra        bool            `json:"intra"`
	MinimumStars int             `json:"minimum_stars"`
	MaxIter      int             `json:"niter"`
	Defocus      *int            `json:"defocus,omitempty"`
	Steps        int             `json:"steps"`
	Final        *align.Position `json:"final,omitempty"`
	FailureKind  string          `json:"failure_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// StepRecord captures one persisted iteration.
type StepRecord struct {
	SessionID string         `json:"session_id"`
	Iteration int            `json:"iteration"`
	Position  align.Position `json:"position"`
	StarCount int            `json:"star_count"`
	FramePath string         `json:"frame"`
	Stars     []align.Star   `json:"stars,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Recorder persists one session. It is an align.StepListener and an align.Observer.
type Recorder struct {
	store *Store
	id    string
	now   func() time.Time

	mu  sync.Mutex
	err error
}

// BeginSession inserts a running session and returns its recorder.
func (s *Store) BeginSession(id string, cfg align.Config) (*Recorder, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	configJSON, _ := json.Marshal(sessionConfig(cfg))
	var defocus sql.NullInt64
	if cfg.Defocus != nil {
		defocus = sql.NullInt64{Int64: int64(*cfg.Defocus), Valid: true}
	}
	_, err := s.DB.Exec(`INSERT INTO align_sessions (id, status, filter, exptime, intra, minimum_stars, niter, defocus, config_json, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		id, StatusRunning, cfg.Filter.String(), cfg.ExposureTime, cfg.Intra, cfg.MinimumStars, cfg.MaxIterations, defocus, string(configJSON), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record session start: %w", err)
	}
	return &Recorder{store: s, id: id, now: time.Now}, nil
}

// ID is the session id.
func (r *Recorder) ID() string { return r.id }

// RecordStep stores one iteration.
func (r *Recorder) RecordStep(ev align.StepEvent) error {
	starsJSON, err := json.Marshal(ev.Stars)
	if err != nil {
		return err
	}
	p := ev.Position
	_, err = r.store.DB.Exec(`INSERT INTO align_steps (session_id, iteration, x, y, z, u, v, star_count, frame_path, stars_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.id, ev.Iteration, p.X, p.Y, p.Z, p.U, p.V, len(ev.Stars), ev.Frame.Filename(), string(starsJSON), r.now().UTC())
	if err != nil {
		return fmt.Errorf("record step %d: %w", ev.Iteration, err)
	}
	_, err = r.store.DB.Exec(`UPDATE align_sessions SET steps=steps+1 WHERE id=?;`, r.id)
	return err
}

// SessionFinished finalizes the session row. Failures are kept for Err.
func (r *Recorder) SessionFinished(cfg align.Config, res align.Result) {
	err := r.finish(res)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Err returns the error from finalizing the session, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) finish(res align.Result) error {
	status := StatusSucceeded
	var finalJSON, kind, msg sql.NullString
	if res.Failure != nil {
		status = StatusFailed
		kind = sql.NullString{String: res.Failure.Kind.String(), Valid: true}
		msg = sql.NullString{String: res.Failure.Message, Valid: true}
	} else {
		b, _ := json.Marshal(res.Position)
		finalJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := r.store.DB.Exec(`UPDATE align_sessions SET status=?, steps=?, final_json=?, failure_kind=?, error_message=?, duration_ms=?, completed_at=? WHERE id=?;`,
		status, res.Steps, finalJSON, kind, msg, res.Duration.Milliseconds(), r.now().UTC(), r.id)
	if err != nil {
		return fmt.Errorf("record session result: %w", err)
	}
	return nil
}

const sessionColumns = `id, status, filter, exptime, intra, minimum_stars, niter, defocus, steps, final_json, failure_kind, error_message, duration_ms, started_at, completed_at`

// RecentSessions returns the latest sessions up to limit.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+sessionColumns+` FROM align_sessions ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Session fetches one session by id.
func (s *Store) Session(id string) (SessionRecord, error) {
	if s == nil {
		return SessionRecord{}, errors.New("store not initialized")
	}
	rec, err := scanSession(s.DB.QueryRow(`SELECT `+sessionColumns+` FROM align_sessions WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Steps returns the iterations of a session in order.
func (s *Store) Steps(sessionID string) ([]StepRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, iteration, x, y, z, u, v, star_count, frame_path, stars_json, created_at FROM align_steps WHERE session_id=? ORDER BY iteration, id;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StepRecord
	for rows.Next() {
		var rec StepRecord
		var starsJSON sql.NullString
		p := &rec.Position
		if err := rows.Scan(&rec.SessionID, &rec.Iteration, &p.X, &p.Y, &p.Z, &p.U, &p.V, &rec.StarCount, &rec.FramePath, &starsJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if starsJSON.Valid && starsJSON.String != "" {
			if err := json.Unmarshal([]byte(starsJSON.String), &rec.Stars); err != nil {
				return nil, fmt.Errorf("unmarshal stars: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var rec SessionRecord
	var (
		filter, finalJSON, kind, msg sql.NullString
		defocus, duration            sql.NullInt64
		completed                    sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Status, &filter, &rec.ExposureTime, &rec.Intra, &rec.MinimumStars, &rec.MaxIter,
		&defocus, &rec.Steps, &finalJSON, &kind, &msg, &duration, &rec.StartedAt, &completed); err != nil {
		return SessionRecord{}, err
	}
	rec.Filter = filter.String
	rec.FailureKind = kind.String
	rec.Error = msg.String
	rec.DurationMS = duration.Int64
	if defocus.Valid {
		d := int(defocus.Int64)
		rec.Defocus = &d
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if finalJSON.Valid && finalJSON.String != "" {
		var pos align.Position
		if err := json.Unmarshal([]byte(finalJSON.String), &pos); err != nil {
			return SessionRecord{}, fmt.Errorf("unmarshal final position: %w", err)
		}
		rec.Final = &pos
	}
	return rec, nil
}

func sessionConfig(cfg align.Config) map[string]any {
	m := map[string]any{
		"exptime":                    cfg.ExposureTime,
		"filter":                     cfg.Filter.String(),
		"binning":                    cfg.Binning,
		"window":                     cfg.Window,
		"intra":                      cfg.Intra,
		"check_stellar_distribution": cfg.CheckStellarDistribution,
		"minimum_stars":              cfg.MinimumStars,
		"niter":                      cfg.MaxIterations,
	}
	if cfg.Defocus != nil {
		m["defocus"] = *cfg.Defocus
	}
	return m
}
