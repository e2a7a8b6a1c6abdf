package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/events"
)

// ErrDumpNotFound is returned by Get for an unknown id.
var ErrDumpNotFound = errors.New("dump not found")

// Dump is one stored batch that failed to decode.
type Dump struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Server    string    `json:"server"`
	Host      string    `json:"host"`
	State     string    `json:"state"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error"`
	LatencyMS int64     `json:"latency_ms"`
	Size      int       `json:"size"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DumpStore persists dumps.
type DumpStore struct {
	db *Database
}

// NewDumpStore opens the store at dbPath and migrates its schema.
func NewDumpStore(dbPath string) (*DumpStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &DumpStore{db: database}
	if err := database.Migrate(dumpMigrations); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate dump database: %w", err)
	}
	return s, nil
}

// dumpMigrations are applied in order; append, never edit.
var dumpMigrations = []string{
	`CREATE TABLE dumps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		server TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT -1,
		data BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_dumps_created_at ON dumps(created_at);
	CREATE INDEX idx_dumps_server ON dumps(server);`,
}

// Close closes the underlying database.
func (s *DumpStore) Close() error {
	return s.db.Close()
}

// Insert stores d, assigning an id and creation time when unset.
func (s *DumpStore) Insert(d *Dump) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.Size = len(d.Data)

	_, err := s.db.Exec(`
		INSERT INTO dumps (id, session_id, server, host, state, code, error, latency_ms, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.Server, d.Host, d.State, d.Code, d.Error, d.LatencyMS, d.Data, d.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert dump: %w", err)
	}
	return nil
}

// List returns up to limit dumps, newest first, without their data. An
// empty server matches every server.
func (s *DumpStore) List(server string, limit int) ([]Dump, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, server, host, state, code, error, latency_ms, length(data), created_at
		FROM dumps
		WHERE ? = '' OR server = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, server, server, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dumps: %w", err)
	}
	defer rows.Close()

	var out []Dump
	for rows.Next() {
		var (
			d       Dump
			size    sql.NullInt64
			created int64
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Server, &d.Host, &d.State, &d.Code, &d.Error,
			&d.LatencyMS, &size, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dump: %w", err)
		}
		d.Size = int(size.Int64)
		d.CreatedAt = time.UnixMilli(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get returns the dump with id, including its data.
func (s *DumpStore) Get(id string) (*Dump, error) {
	var (
		d       Dump
		created int64
	)
	err := s.db.QueryRow(`
		SELECT id, session_id, server, host, state, code, error, latency_ms, data, created_at
		FROM dumps WHERE id = ?`, id).
		Scan(&d.ID, &d.SessionID, &d.Server, &d.Host, &d.State, &d.Code, &d.Error, &d.LatencyMS, &d.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDumpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dump %s: %w", id, err)
	}
	d.Size = len(d.Data)
	d.CreatedAt = time.UnixMilli(created)
	return &d, nil
}

// Count returns the number of stored dumps.
func (s *DumpStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dumps`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dumps: %w", err)
	}
	return n, nil
}

// PruneBefore deletes dumps created before cutoff and returns how many
// were removed.
func (s *DumpStore) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM dumps WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune dumps: %w", err)
	}
	return res.RowsAffected()
}

// Record stores the dump carried by a downstream exception event. It is
// an events.HandlerFunc.
func (s *DumpStore) Record(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ExceptionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	d := &Dump{
		SessionID: p.SessionID,
		Server:    p.Server,
		Host:      p.Host,
		State:     p.State,
		Code:      p.Code,
		Error:     p.Error,
		LatencyMS: p.Latency,
		Data:      p.Dump,
		CreatedAt: event.Time,
	}
	if err := s.Insert(d); err != nil {
		return err
	}
	log.Info().
		Str("component", "dumps").
		Str("dump", d.ID).
		Str("session", d.SessionID).
		Int("bytes", d.Size).
		Msg("stored buffer dump")
	return nil
}

// Subscribe stores every downstream exception published on bus.
func (s *DumpStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventDownstreamException, "dumps.record", s.Record)
}

// Path returns the database file path.
func (s *DumpStore) Path() string {
	return s.db.Path()
}
