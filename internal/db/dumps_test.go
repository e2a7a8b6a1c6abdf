package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/energizer-project/proxytransport/internal/events"
)

func newStore(t *testing.T) *DumpStore {
	t.Helper()
	s, err := NewDumpStore(filepath.Join(t.TempDir(), "dumps.db"))
	if err != nil {
		t.Fatalf("NewDumpStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDumpStoreInsertGet(t *testing.T) {
	s := newStore(t)

	created := time.UnixMilli(1_700_000_000_000)
	d := &Dump{
		SessionID: "s1",
		Server:    "lobby",
		Host:      "alice",
		State:     "connected",
		Code:      "bad_payload",
		Error:     "unexpected EOF",
		LatencyMS: 12,
		Data:      []byte{0xFE, 0x01, 0x02},
		CreatedAt: created,
	}
	if err := s.Insert(d); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if d.ID == "" {
		t.Fatal("Insert did not assign an id")
	}

	got, err := s.Get(d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrDumpNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrDumpNotFound", err)
	}
}

func TestDumpStoreListFiltersAndOrders(t *testing.T) {
	s := newStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	for i, server := range []string{"lobby", "game", "lobby"} {
		d := &Dump{
			SessionID: "s",
			Server:    server,
			Error:     "bad",
			Data:      make([]byte, i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Insert(d); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	all, err := s.List("", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var sizes []int
	for _, d := range all {
		if d.Data != nil {
			t.Errorf("List returned data for %s", d.ID)
		}
		sizes = append(sizes, d.Size)
	}
	if diff := cmp.Diff([]int{3, 2, 1}, sizes); diff != "" {
		t.Errorf("List order (-want +got):\n%s", diff)
	}

	lobby, err := s.List("lobby", 1)
	if err != nil {
		t.Fatalf("List(lobby): %v", err)
	}
	if len(lobby) != 1 || lobby[0].Server != "lobby" || lobby[0].Size != 3 {
		t.Errorf("List(lobby, 1) = %+v, want newest lobby dump", lobby)
	}
}

func TestDumpStorePruneBefore(t *testing.T) {
	s := newStore(t)

	now := time.Now()
	for _, age := range []time.Duration{10 * 24 * time.Hour, 8 * 24 * time.Hour, time.Hour} {
		if err := s.Insert(&Dump{SessionID: "s", Server: "lobby", Error: "bad", CreatedAt: now.Add(-age)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	removed, err := s.PruneBefore(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestDumpStoreRecordsExceptions(t *testing.T) {
	s := newStore(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	s.Subscribe(bus)

	bus.EmitSync(context.Background(), events.New(events.EventDownstreamException, "session", events.ExceptionPayload{
		SessionID: "s9",
		Server:    "game",
		Host:      "bob",
		State:     "connected",
		Error:     "zstd: corrupt input",
		Latency:   -1,
		Dump:      []byte{0x09, 0x17, 0x00},
	}))

	list, err := s.List("game", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List = %d dumps, want 1", len(list))
	}
	got, err := s.Get(list[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff([]byte{0x09, 0x17, 0x00}, got.Data); diff != "" {
		t.Errorf("dump data (-want +got):\n%s", diff)
	}
	if got.SessionID != "s9" || got.Host != "bob" || got.LatencyMS != -1 {
		t.Errorf("dump = %+v", got)
	}
}

func TestDumpStoreReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dumps.db")

	s, err := NewDumpStore(path)
	if err != nil {
		t.Fatalf("NewDumpStore: %v", err)
	}
	if err := s.Insert(&Dump{SessionID: "s", Server: "lobby", Error: "bad"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Close()

	// A second open must not re-run the CREATE TABLE migration.
	s, err = NewDumpStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n, err := s.Count(); err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1", n, err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != len(dumpMigrations) {
		t.Errorf("user_version = %d, want %d", version, len(dumpMigrations))
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	d, err := NewDatabase(filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	defer d.Close()

	if err := d.Migrate([]string{"CREATE TABLE a (x INTEGER)", "CREATE TABLE b (x INTEGER)"}); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := d.Migrate([]string{"CREATE TABLE a (x INTEGER)"}); err == nil {
		t.Error("Migrate accepted a schema newer than the migration list")
	}
}
