package dba_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"oml2/dba"
	"oml2/dba/sqlite"
	"oml2/schema"
)

func openTestDB(t *testing.T) *dba.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	backend := sqlite.New()
	db, err := dba.Open(context.Background(), backend, dba.Config{Path: path})
	if err != nil {
		t.Fatalf("dba.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("readings", []schema.Field{
		{Name: "temperature", Type: schema.TypeDouble},
		{Name: "label", Type: schema.TypeString},
	})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return s
}

func TestRegisterTableAndInsert(t *testing.T) {
	db := openTestDB(t)
	s := testSchema(t)

	if err := db.RegisterTable(s); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	seq := db.Insert("readings", "sensor-a", 1.5, []schema.Value{
		schema.Double(21.5),
		schema.String("ok"),
	})
	if seq != 0 {
		t.Fatalf("Insert seq = %d, want 0 (first row from this sender)", seq)
	}

	seq2 := db.Insert("readings", "sensor-a", 2.5, []schema.Value{
		schema.Double(22.0),
		schema.String("ok"),
	})
	if seq2 != 1 {
		t.Fatalf("Insert seq = %d, want 1 (second row from this sender)", seq2)
	}
}

func TestInsertTypeMismatchIsRejectedNotCoerced(t *testing.T) {
	db := openTestDB(t)
	s := testSchema(t)
	if err := db.RegisterTable(s); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	seq := db.Insert("readings", "sensor-a", 1.0, []schema.Value{
		schema.Int32(21), // wrong type: schema declares double
		schema.String("ok"),
	})
	if seq != -1 {
		t.Fatalf("Insert with mismatched type = %d, want -1", seq)
	}
}

func TestSenderIDStableAcrossCalls(t *testing.T) {
	db := openTestDB(t)
	id1, err := db.SenderID("alpha")
	if err != nil || id1 != 0 {
		t.Fatalf("SenderID(alpha) = %d, %v; want 0, nil (first sender in a fresh db)", id1, err)
	}
	id2, err := db.SenderID("beta")
	if err != nil || id2 != 1 {
		t.Fatalf("SenderID(beta) = %d, %v; want 1, nil", id2, err)
	}
	again, err := db.SenderID("alpha")
	if err != nil || again != id1 {
		t.Fatalf("SenderID(alpha) second call = %d, %v; want %d, nil", again, err, id1)
	}
}

// A sender's id survives a full close/reopen of the database, not just the
// in-process cache.
func TestSenderIDStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "senders.sqlite")

	first, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("dba.Open: %v", err)
	}
	id, err := first.SenderID("alpha")
	if err != nil {
		t.Fatalf("SenderID: %v", err)
	}
	if _, err := first.SenderID("beta"); err != nil {
		t.Fatalf("SenderID: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	again, err := second.SenderID("alpha")
	if err != nil || again != id {
		t.Fatalf("SenderID(alpha) after reopen = %d, %v; want %d, nil", again, err, id)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.SetMetadata("experiment_name", "run-42"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	v, ok, err := db.GetMetadata("experiment_name")
	if err != nil || !ok || v != "run-42" {
		t.Fatalf("GetMetadata = %q, %v, %v; want %q, true, nil", v, ok, err, "run-42")
	}
	if _, ok, err := db.GetMetadata("nonexistent"); err != nil || ok {
		t.Fatalf("GetMetadata(nonexistent) = _, %v, %v; want false, nil", ok, err)
	}
}

func TestInsertedRowRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.sqlite")
	db, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("dba.Open: %v", err)
	}

	s, err := schema.New("power", []schema.Field{
		{Name: "v", Type: schema.TypeDouble},
		{Name: "ok", Type: schema.TypeBool},
	})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	if err := db.RegisterTable(s); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if seq := db.Insert("power", "sensor-a", 1.5, []schema.Value{
		schema.Double(3.14),
		schema.Bool(true),
	}); seq != 0 {
		t.Fatalf("Insert seq = %d, want 0", seq)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer raw.Close()

	var senderID, seqNo int
	var tsClient, v float64
	var ok bool
	row := raw.QueryRow(`SELECT oml_sender_id, oml_seq, oml_ts_client, v, ok FROM power`)
	if err := row.Scan(&senderID, &seqNo, &tsClient, &v, &ok); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if senderID != 0 || seqNo != 0 || tsClient != 1.5 || v != 3.14 || !ok {
		t.Fatalf("row = (%d, %d, %v, %v, %v), want (0, 0, 1.5, 3.14, true)", senderID, seqNo, tsClient, v, ok)
	}
}

func TestPrimaryKeySentinelGetsAutoPopulated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pk.sqlite")
	db, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("dba.Open: %v", err)
	}

	s, err := schema.New("events", []schema.Field{
		{Name: schema.PrimaryKey, Type: schema.TypeInt32},
		{Name: "kind", Type: schema.TypeString},
	})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	if err := db.RegisterTable(s); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	// Only the payload fields are bound; the sentinel column fills itself.
	if seq := db.Insert("events", "sensor-a", 1.0, []schema.Value{schema.String("boot")}); seq != 0 {
		t.Fatalf("Insert seq = %d, want 0", seq)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer raw.Close()

	var idx int
	var kind string
	if err := raw.QueryRow(`SELECT oml_idx, kind FROM events`).Scan(&idx, &kind); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if idx != 1 || kind != "boot" {
		t.Fatalf("row = (%d, %q), want (1, \"boot\")", idx, kind)
	}
}

func TestInsertWithZeroPayloadColumns(t *testing.T) {
	db := openTestDB(t)
	s, err := schema.New("heartbeats", nil)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	if err := db.RegisterTable(s); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if seq := db.Insert("heartbeats", "sensor-a", 0.5, nil); seq != 0 {
		t.Fatalf("Insert with only metadata columns: seq = %d, want 0", seq)
	}
}

func TestTableListRediscoveryAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.sqlite")

	first, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("dba.Open: %v", err)
	}
	s := testSchema(t)
	if err := first.RegisterTable(s); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := dba.Open(context.Background(), sqlite.New(), dba.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	got, ok := second.Schema("readings")
	if !ok {
		t.Fatal("rediscovered schema for \"readings\" not found after reopen")
	}
	if len(got.Fields) != len(s.Fields) {
		t.Fatalf("rediscovered schema has %d fields, want %d", len(got.Fields), len(s.Fields))
	}

	seq := second.Insert("readings", "sensor-a", 1.0, []schema.Value{
		schema.Double(19.9),
		schema.String("ok"),
	})
	if seq != 0 {
		t.Fatalf("Insert after reopen: seq = %d, want 0", seq)
	}
}
