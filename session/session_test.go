package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"oml2/dba"
	"oml2/dba/sqlite"
	"oml2/schema"
	"oml2/session"
)

func openTestDB(t *testing.T) *dba.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.sqlite")
	db, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("dba.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("power", []schema.Field{
		{Name: "v", Type: schema.TypeDouble},
		{Name: "ok", Type: schema.TypeBool},
	})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return s
}

func TestInsertIntoUnregisteredTableIsRejected(t *testing.T) {
	db := openTestDB(t)
	s := session.New(db, "sensor-a")

	seq := s.Insert("power", 1.0, []schema.Value{schema.Double(3.14), schema.Bool(true)})
	if seq != -1 {
		t.Fatalf("Insert into unregistered table = %d, want -1", seq)
	}
}

func TestRegisterSchemaThenInsertTracksStats(t *testing.T) {
	db := openTestDB(t)
	s := session.New(db, "sensor-a")
	sch := testSchema(t)

	if err := s.RegisterSchema(sch); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	seq := s.Insert("power", 1.5, []schema.Value{schema.Double(3.14), schema.Bool(true)})
	if seq != 0 {
		t.Fatalf("Insert seq = %d, want 0", seq)
	}

	stats := s.Stats()
	if stats.RowCounts["power"] != 1 {
		t.Fatalf("RowCounts[power] = %d, want 1", stats.RowCounts["power"])
	}
	if stats.Name != "sensor-a" {
		t.Fatalf("Name = %q, want %q", stats.Name, "sensor-a")
	}
	if stats.SessionID == "" {
		t.Fatal("SessionID is empty, want a generated id")
	}
}

func TestTwoSessionsGetDistinctIDs(t *testing.T) {
	db := openTestDB(t)
	a := session.New(db, "sensor-a")
	b := session.New(db, "sensor-b")
	if a.ID == b.ID {
		t.Fatalf("two sessions share id %q", a.ID)
	}
}

func TestQueueDepthFuncDefaultsToZero(t *testing.T) {
	db := openTestDB(t)
	s := session.New(db, "sensor-a")
	if got := s.Stats().QueueBytes; got != 0 {
		t.Fatalf("QueueBytes = %d, want 0 with no queue depth func set", got)
	}

	s.SetQueueDepthFunc(func() int { return 42 })
	if got := s.Stats().QueueBytes; got != 42 {
		t.Fatalf("QueueBytes = %d, want 42 after SetQueueDepthFunc", got)
	}
}

func TestInsertTypeMismatchReturnsNegativeOne(t *testing.T) {
	db := openTestDB(t)
	s := session.New(db, "sensor-a")
	sch := testSchema(t)
	if err := s.RegisterSchema(sch); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	seq := s.Insert("power", 1.0, []schema.Value{schema.Int32(3), schema.Bool(true)})
	if seq != -1 {
		t.Fatalf("Insert with mismatched type = %d, want -1", seq)
	}
}
