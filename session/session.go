// Package session ties one injection point's registered schemas to a
// Database, routing incoming measurement records to the right table and
// tracking row-rate statistics for callers that poll or log them.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"oml2/dba"
	"oml2/internal/logging"
	"oml2/schema"
	"oml2/stats"
)

// Session is one connected sender's view of a Database: its registered
// schemas and its row-rate statistics. The server core owns one Session
// per accepted connection.
type Session struct {
	ID   string
	Name string

	db *dba.Database

	mu             sync.RWMutex
	schemas        map[string]*schema.Schema
	queueDepthFunc func() int

	tracker *stats.Tracker
	log     *logging.Logger
}

// New creates a Session bound to db. name is the sender's self-reported
// identity from its handshake; it becomes the oml_sender_id key.
func New(db *dba.Database, name string) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Name:    name,
		db:      db,
		schemas: make(map[string]*schema.Schema),
		tracker: stats.NewTracker(),
		log:     logging.New("session"),
	}
}

// RegisterSchema creates the backing table (if new) and remembers the
// schema so subsequent Insert calls can validate against it without a
// round trip to the database layer.
func (s *Session) RegisterSchema(sch *schema.Schema) error {
	if err := s.db.RegisterTable(sch); err != nil {
		return fmt.Errorf("session %s: register schema %q: %w", s.ID, sch.Name, err)
	}
	s.mu.Lock()
	s.schemas[sch.Name] = sch
	s.mu.Unlock()
	return nil
}

// Insert routes one row to its table. tsClient is the sender-supplied
// timestamp; the server stamps tsServer itself.
func (s *Session) Insert(table string, tsClient float64, values []schema.Value) int64 {
	s.mu.RLock()
	_, known := s.schemas[table]
	s.mu.RUnlock()
	if !known {
		s.log.Warnf("session %s: insert into unregistered table %q", s.ID, table)
		return -1
	}

	seq := s.db.Insert(table, s.Name, tsClient, values)
	if seq >= 0 {
		s.tracker.RecordRow(s.Name, table)
	}
	return seq
}

// QueueDepthFunc returns the queue-depth hook Stats polls: sessions fed
// by a client-side BufferedWriter over the wire don't expose queue depth
// to the server (that state lives in the client process); direct
// in-process producers that share a BufferedWriter can report it via
// SetQueueDepthFunc.
func (s *Session) QueueDepthFunc() func() int {
	return s.queueDepthFunc
}

func (s *Session) SetQueueDepthFunc(f func() int) {
	s.mu.Lock()
	s.queueDepthFunc = f
	s.mu.Unlock()
}

func (s *Session) queueDepth() int {
	s.mu.RLock()
	f := s.queueDepthFunc
	s.mu.RUnlock()
	if f == nil {
		return 0
	}
	return f()
}

// Stats returns a snapshot of this session's row counts and queue depth.
func (s *Session) Stats() Stats {
	return Stats{
		SessionID:  s.ID,
		Name:       s.Name,
		RowCounts:  s.tracker.Snapshot(),
		QueueBytes: s.queueDepth(),
	}
}

// Stats is a point-in-time view of one Session's activity.
type Stats struct {
	SessionID  string
	Name       string
	RowCounts  map[string]uint64
	QueueBytes int
}
