// Package journal keeps a local SQLite audit trail of fall confirmations and
// emergency transitions. The journal is append-only and independent of the
// alert preferences: a muted alert is still recorded.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/events"
)

const (
	dbFileName   = "journal.db"
	writeTimeout = 5 * time.Second
	queueSize    = 256
)

// Kind classifies a journal row.
type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindDeclared     Kind = "emergency_declared"
	KindResolved     Kind = "emergency_resolved"
	KindConfirmed    Kind = "emergency_confirmed"
)

// Entry is one journal row. Outcome is ok, help or auto for confirmations;
// the emergency level, resolution type or confirmer otherwise.
type Entry struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type migration struct {
	version     int
	description string
	stmts       []string
}

var migrations = []migration{
	{
		version:     1,
		description: "entries table",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				user_id TEXT NOT NULL,
				session_id TEXT,
				outcome TEXT,
				detail TEXT,
				at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_entries_at ON entries(at)`,
		},
	},
}

// Journal is a SQLite-backed audit log.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	bus   *events.Bus
	subs  []*events.Subscription
	queue chan Entry

	writer  sync.WaitGroup
	pending sync.WaitGroup
}

// DefaultPath returns the journal location under XDG_STATE_HOME.
func DefaultPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "fallwatch", dbFileName)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "fallwatch", dbFileName)
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations. An empty path means DefaultPath.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		path = DefaultPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	j := &Journal{db: db, path: path, logger: logger.With("component", "journal")}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file location.
func (j *Journal) Path() string { return j.path }

func (j *Journal) migrate(ctx context.Context) error {
	var current int
	if err := j.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read journal schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set journal schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		j.logger.Debug("applied journal migration", "version", m.version, "description", m.description)
	}
	return nil
}

// Record appends e. A zero At is stamped with the current time.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO entries (kind, user_id, session_id, outcome, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.UserID, e.SessionID, e.Outcome, e.Detail, e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, user_id, session_id, outcome, detail, at FROM entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                         Entry
			kind, at                  string
			session, outcome, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &e.UserID, &session, &outcome, &details, &at); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Kind = Kind(kind)
		e.SessionID = session.String
		e.Outcome = outcome.String
		e.Detail = details.String
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of confirmation entries per outcome.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM entries WHERE kind = ? GROUP BY outcome`, string(KindConfirmation))
	if err != nil {
		return nil, fmt.Errorf("count journal outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Attach subscribes the journal to the events it records. Handlers only
// queue the entry; a single writer goroutine inserts it, so alert handlers
// on the same bus never wait on the database.
func (j *Journal) Attach(bus *events.Bus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bus != nil {
		return
	}
	j.bus = bus
	j.queue = make(chan Entry, queueSize)
	j.writer.Add(1)
	go j.run(j.queue)
	j.subs = []*events.Subscription{
		bus.Subscribe(events.ConfirmationClosed, j.onConfirmationClosed),
		bus.Subscribe(events.EmergencyDeclared, j.alertRecorder(KindDeclared)),
		bus.Subscribe(events.EmergencyResolved, j.alertRecorder(KindResolved)),
		bus.Subscribe(events.EmergencyConfirmed, j.alertRecorder(KindConfirmed)),
	}
}

// Close detaches from the bus, writes what is still queued and closes the
// database.
func (j *Journal) Close() error {
	j.mu.Lock()
	bus, subs, queue := j.bus, j.subs, j.queue
	j.bus, j.subs, j.queue = nil, nil, nil
	j.mu.Unlock()

	for _, s := range subs {
		bus.Unsubscribe(s)
	}
	if queue != nil {
		close(queue)
	}
	j.writer.Wait()
	return j.db.Close()
}

func (j *Journal) run(queue <-chan Entry) {
	defer j.writer.Done()
	for e := range queue {
		j.write(e)
		j.pending.Done()
	}
}

func (j *Journal) enqueue(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.queue == nil {
		return
	}
	j.pending.Add(1)
	select {
	case j.queue <- e:
	default:
		j.pending.Done()
		j.logger.Error("journal queue full, entry dropped", "kind", e.Kind, "user", e.UserID)
	}
}

func (j *Journal) onConfirmationClosed(ev events.Event) {
	s, ok := ev.Data.(confirm.Session)
	if !ok {
		return
	}
	j.enqueue(Entry{
		Kind:      KindConfirmation,
		UserID:    s.UserID,
		SessionID: s.ID,
		Outcome:   s.Outcome(),
		Detail:    s.ClosedBy,
		At:        s.ClosedAt,
	})
}

func (j *Journal) alertRecorder(kind Kind) events.Handler {
	return func(ev events.Event) {
		a, ok := ev.Data.(classify.Alert)
		if !ok {
			return
		}
		e := Entry{Kind: kind, UserID: a.UserID, Detail: a.Message, At: ev.Timestamp}
		switch kind {
		case KindDeclared:
			e.Outcome = a.EmergencyLevel
		case KindResolved:
			e.Outcome = a.ResolutionType
		case KindConfirmed:
			e.Outcome = a.ConfirmedBy
		}
		j.enqueue(e)
	}
}

func (j *Journal) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.Record(ctx, e); err != nil {
		j.logger.Error("journal write failed", "kind", e.Kind, "error", err)
	}
}
