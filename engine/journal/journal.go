// Package journal keeps an optional SQLite record of finished requests so that
// benchmark runs can be compared after the fact. It never stores cache state.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inference-sim/inference-runtime/engine"
)

// Entry is one finished request.
type Entry struct {
	SessionID string
	Phase     string
	Outcome   string
	Tokens    int
	QueueWait time.Duration
	Elapsed   time.Duration
	Error     string
	CreatedAt time.Time
}

// FromResult builds an Entry for a request and the result it was delivered.
func FromResult(req *engine.Request, res engine.Result, at time.Time) Entry {
	e := Entry{
		SessionID: string(req.SessionID),
		Phase:     req.Phase.String(),
		Outcome:   string(res.Outcome),
		Tokens:    len(req.Tokens),
		QueueWait: res.Metrics.QueueWait,
		Elapsed:   res.Metrics.Elapsed,
		CreatedAt: at,
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}

// PhaseSummary aggregates entries of one phase and outcome.
type PhaseSummary struct {
	Phase        string
	Outcome      string
	Count        int64
	Tokens       int64
	AvgQueueWait time.Duration
	AvgElapsed   time.Duration
}

// Journal writes and queries request entries in a dedicated SQLite database.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Journal{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL,
		phase         TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		tokens        INTEGER NOT NULL,
		queue_wait_us INTEGER NOT NULL,
		elapsed_us    INTEGER NOT NULL,
		error         TEXT,
		created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id)`)
	return err
}

// Record inserts an entry. A nil Journal records nothing.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO requests
		(session_id, phase, outcome, tokens, queue_wait_us, elapsed_us, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Phase, e.Outcome, e.Tokens,
		e.QueueWait.Microseconds(), e.Elapsed.Microseconds(), e.Error, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// Session returns every entry of a session in insertion order.
func (j *Journal) Session(ctx context.Context, id engine.SessionID) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, phase, outcome, tokens, queue_wait_us, elapsed_us, error, created_at
		 FROM requests WHERE session_id = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var waitUS, elapsedUS int64
		var errText sql.NullString
		if err := rows.Scan(&e.SessionID, &e.Phase, &e.Outcome, &e.Tokens, &waitUS, &elapsedUS, &errText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.QueueWait = time.Duration(waitUS) * time.Microsecond
		e.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary returns aggregates grouped by phase and outcome.
func (j *Journal) Summary(ctx context.Context) ([]PhaseSummary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT phase, outcome, count(*), sum(tokens), avg(queue_wait_us), avg(elapsed_us)
		 FROM requests GROUP BY phase, outcome ORDER BY phase, outcome`)
	if err != nil {
		return nil, fmt.Errorf("journal summary: %w", err)
	}
	defer rows.Close()

	var out []PhaseSummary
	for rows.Next() {
		var s PhaseSummary
		var waitUS, elapsedUS float64
		if err := rows.Scan(&s.Phase, &s.Outcome, &s.Count, &s.Tokens, &waitUS, &elapsedUS); err != nil {
			return nil, fmt.Errorf("scan journal summary: %w", err)
		}
		s.AvgQueueWait = time.Duration(waitUS) * time.Microsecond
		s.AvgElapsed = time.Duration(elapsedUS) * time.Microsecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
