// Package dba defines the backend-neutral Database Adapter Façade:
// a small capability interface implemented once per storage engine, plus
// the shared bookkeeping (sender-id cache, table registry, near-duplicate
// name warnings) that sits in front of every backend.
package dba

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"

	"oml2/internal/logging"
	"oml2/schema"
)

// Config carries whatever a backend needs to open a connection. Fields
// unused by a given backend are ignored by it.
type Config struct {
	Host, Port, User, Password, DBName string // postgres
	ConnInfo                           string // postgres: base conninfo, overridden by the fields above
	Path                               string // sqlite
	CommitInterval                     time.Duration
}

// TableDescriptor is one entry of a table-list rediscovery pass.
type TableDescriptor struct {
	Name   string
	Schema *schema.Schema // nil for backend-internal tables like _senders
}

// Backend is the v-table every storage engine implements.
type Backend interface {
	Create(ctx context.Context, cfg Config) error
	Release() error

	TableCreate(s *schema.Schema) error
	TableFree(name string) error
	PreparedVar(order int) string

	Insert(table string, senderID, seq uint32, tsClient, tsServer float64, values []schema.Value) error

	GetKeyValue(key string) (string, bool, error)
	SetKeyValue(key, value string) error
	GetMetadata(key string) (string, bool, error)
	SetMetadata(key, value string) error

	AddSenderID(name string) (uint32, error)

	GetURI() string
	GetTableList() ([]TableDescriptor, error)

	Stmt(sql string, args ...any) error
}

// Database wraps a Backend with the bookkeeping common to every backend:
// an in-process sender-id cache, per-sender sequence numbers, and the
// near-duplicate table-name warning.
type Database struct {
	backend Backend

	startTime time.Time // wall clock at open; server timestamps are relative to it

	senderCache sync.Map // name string -> id uint32
	seqCounters sync.Map // id uint32 -> *atomic.Uint32

	tablesMu sync.Mutex
	tables   map[string]*schema.Schema

	log *logging.Logger
}

// Open connects backend and rediscovers its existing tables.
func Open(ctx context.Context, backend Backend, cfg Config) (*Database, error) {
	if err := backend.Create(ctx, cfg); err != nil {
		return nil, fmt.Errorf("dba: open: %w", err)
	}
	db := &Database{
		backend:   backend,
		startTime: time.Now(),
		tables:    make(map[string]*schema.Schema),
		log:       logging.New("dba"),
	}
	descs, err := backend.GetTableList()
	if err != nil {
		return nil, fmt.Errorf("dba: rediscover tables: %w", err)
	}
	for _, d := range descs {
		if d.Schema != nil {
			db.tables[d.Name] = d.Schema
		}
	}
	return db, nil
}

// Close commits and disconnects the backend; in-flight SQL is allowed
// to complete, not cancelled.
func (db *Database) Close() error {
	return db.backend.Release()
}

func (db *Database) URI() string { return db.backend.GetURI() }

// RegisterTable creates the table if it does not already exist locally,
// warning (never rejecting) on a near-duplicate name.
func (db *Database) RegisterTable(s *schema.Schema) error {
	db.tablesMu.Lock()
	if _, exists := db.tables[s.Name]; exists {
		db.tablesMu.Unlock()
		return nil
	}
	db.warnNearDuplicateLocked(s.Name)
	db.tablesMu.Unlock()

	if err := db.backend.TableCreate(s); err != nil {
		return fmt.Errorf("dba: table_create %q: %w", s.Name, err)
	}

	db.tablesMu.Lock()
	db.tables[s.Name] = s
	db.tablesMu.Unlock()
	return nil
}

// warnNearDuplicateLocked logs (never blocks registration) when name is
// within edit-distance 2 of a table already registered in this database.
// Must be called with tablesMu held.
func (db *Database) warnNearDuplicateLocked(name string) {
	for existing := range db.tables {
		if existing == name {
			continue
		}
		if levenshtein.ComputeDistance(existing, name) <= 2 {
			db.log.Warnf("table %q is a near-duplicate of existing table %q, continuing anyway", name, existing)
		}
	}
}

// Schema returns the registered schema for table, if any.
func (db *Database) Schema(table string) (*schema.Schema, bool) {
	db.tablesMu.Lock()
	defer db.tablesMu.Unlock()
	s, ok := db.tables[table]
	return s, ok
}

// SenderID returns the stable id for a sender name, allocating one on
// first encounter and caching it for the life of the process.
func (db *Database) SenderID(name string) (uint32, error) {
	if v, ok := db.senderCache.Load(name); ok {
		return v.(uint32), nil
	}
	id, err := db.backend.AddSenderID(name)
	if err != nil {
		return 0, fmt.Errorf("dba: add_sender_id %q: %w", name, err)
	}
	db.senderCache.Store(name, id)
	return id, nil
}

func (db *Database) nextSeq(senderID uint32) uint32 {
	v, _ := db.seqCounters.LoadOrStore(senderID, new(atomic.Uint32))
	counter := v.(*atomic.Uint32)
	return counter.Add(1) - 1
}

// Insert validates values against table's registered schema, allocates a
// sequence number for senderName, and delegates the row write to the
// backend. A failure is logged and returns -1 without aborting the
// session.
func (db *Database) Insert(table, senderName string, tsClient float64, values []schema.Value) int64 {
	s, ok := db.Schema(table)
	if !ok {
		db.log.Errorf("insert into unknown table %q", table)
		return -1
	}
	fields := s.PayloadFields()
	if len(values) != len(fields) {
		db.log.Errorf("insert into %q: got %d values, schema has %d fields", table, len(values), len(fields))
		return -1
	}
	for i, f := range fields {
		if err := schema.CheckType(f, values[i]); err != nil {
			db.log.Errorf("insert into %q: %v", table, err)
			return -1
		}
	}

	senderID, err := db.SenderID(senderName)
	if err != nil {
		db.log.Errorf("insert into %q: %v", table, err)
		return -1
	}
	seq := db.nextSeq(senderID)
	tsServer := time.Since(db.startTime).Seconds()

	if err := db.backend.Insert(table, senderID, seq, tsClient, tsServer, values); err != nil {
		db.log.Errorf("insert into %q: %v", table, err)
		return -1
	}
	return int64(seq)
}

func (db *Database) GetMetadata(key string) (string, bool, error) { return db.backend.GetMetadata(key) }
func (db *Database) SetMetadata(key, value string) error          { return db.backend.SetMetadata(key, value) }
func (db *Database) GetKeyValue(key string) (string, bool, error) { return db.backend.GetKeyValue(key) }
func (db *Database) SetKeyValue(key, value string) error          { return db.backend.SetKeyValue(key, value) }
