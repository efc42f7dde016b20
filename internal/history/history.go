// Package history keeps a local record of runs, extracted cards and failures
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/egcx/egcx/internal/card"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one extraction batch
type Run struct {
	ID         int64
	FromEmail  string
	Folder     string
	Status     RunStatus
	Messages   int
	Extracted  int
	Failed     int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// CardRecord is a stored card
type CardRecord struct {
	ID        int64
	RunID     int64
	card.Card
	CreatedAt time.Time
}

// Failure is a link or message that produced no card
type Failure struct {
	ID        int64
	RunID     int64
	MessageID string
	LinkURL   string
	Kind      string // link_not_found, field_not_found, human_timeout, inconsistent, navigation, other
	Error     string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_email TEXT,
		folder TEXT,
		status TEXT NOT NULL,
		messages INTEGER DEFAULT 0,
		extracted INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		message_id TEXT,
		brand TEXT NOT NULL,
		number TEXT NOT NULL,
		pin TEXT,
		amount TEXT,
		source_url TEXT,
		received_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_cards_message_id ON cards(message_id);
	CREATE INDEX IF NOT EXISTS idx_cards_number ON cards(number);

	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		message_id TEXT,
		link_url TEXT,
		kind TEXT NOT NULL,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts r with status running and sets its ID
func (s *Store) StartRun(r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.Status = RunRunning

	result, err := s.db.Exec(`INSERT INTO runs (from_email, folder, status, started_at) VALUES (?, ?, ?, ?)`,
		r.FromEmail, r.Folder, r.Status, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	return nil
}

// FinishRun stores the final counters and status of r
func (s *Store) FinishRun(r *Run) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.Exec(`UPDATE runs SET status = ?, messages = ?, extracted = ?, failed = ?, error = ?, finished_at = ? WHERE id = ?`,
		r.Status, r.Messages, r.Extracted, r.Failed, r.Error, r.FinishedAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) AddCard(runID int64, c *card.Card) error {
	_, err := s.db.Exec(`
	INSERT INTO cards (run_id, message_id, brand, number, pin, amount, source_url, received_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, c.MessageID, c.Brand, c.Number, c.PIN, c.Amount, c.SourceURL, c.ReceivedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

func (s *Store) AddFailure(f *Failure) error {
	result, err := s.db.Exec(`
	INSERT INTO failures (run_id, message_id, link_url, kind, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		f.RunID, f.MessageID, f.LinkURL, f.Kind, f.Error, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert failure: %w", err)
	}
	f.ID, _ = result.LastInsertId()
	return nil
}

// ProcessedMessageIDs returns the message ids that already produced a card
func (s *Store) ProcessedMessageIDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT DISTINCT message_id FROM cards WHERE message_id IS NOT NULL AND message_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed messages: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// HasCard reports whether a card with this number was stored before
func (s *Store) HasCard(number string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cards WHERE number = ?`, number).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query card: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
	SELECT id, from_email, folder, status, messages, extracted, failed, error, started_at, finished_at
	FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var from, folder, errStr sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&r.ID, &from, &folder, &r.Status, &r.Messages, &r.Extracted, &r.Failed,
			&errStr, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.FromEmail = from.String
		r.Folder = folder.String
		r.Error = errStr.String
		r.StartedAt = started.Time
		r.FinishedAt = finished.Time
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecentCards returns cards newest first; runID 0 means every run
func (s *Store) RecentCards(runID int64, limit int) ([]CardRecord, error) {
	query := `
	SELECT id, run_id, message_id, brand, number, pin, amount, source_url, received_at, created_at
	FROM cards WHERE (? = 0 OR run_id = ?) ORDER BY id DESC LIMIT ?`

	rows, err := s.db.Query(query, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []CardRecord
	for rows.Next() {
		var c CardRecord
		var msgID, pin, amount, src sql.NullString
		var received, created sql.NullTime
		if err := rows.Scan(&c.ID, &c.RunID, &msgID, &c.Brand, &c.Number, &pin, &amount, &src,
			&received, &created); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		c.MessageID = msgID.String
		c.PIN = pin.String
		c.Amount = amount.String
		c.SourceURL = src.String
		c.ReceivedAt = received.Time
		c.CreatedAt = created.Time
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// Failures returns failures newest first; runID 0 means every run
func (s *Store) Failures(runID int64, limit int) ([]Failure, error) {
	rows, err := s.db.Query(`
	SELECT id, run_id, message_id, link_url, kind, error, created_at
	FROM failures WHERE (? = 0 OR run_id = ?) ORDER BY id DESC LIMIT ?`, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var msgID, link, errStr sql.NullString
		var created sql.NullTime
		if err := rows.Scan(&f.ID, &f.RunID, &msgID, &link, &f.Kind, &errStr, &created); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.MessageID = msgID.String
		f.LinkURL = link.String
		f.Error = errStr.String
		f.CreatedAt = created.Time
		out = append(out, f)
	}
	return out, rows.Err()
}

// Stats returns totals across all runs
func (s *Store) Stats() (runs, cards, failures int, err error) {
	query := `SELECT (SELECT COUNT(*) FROM runs), (SELECT COUNT(*) FROM cards), (SELECT COUNT(*) FROM failures)`
	if err = s.db.QueryRow(query).Scan(&runs, &cards, &failures); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get stats: %w", err)
	}
	return
}
