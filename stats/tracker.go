// Package stats tracks per-session row-insertion statistics for callers
// that poll or log them: row counts by table and by sender, plus the age
// of the last transaction commit.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker accumulates counters for one Session. Counters live in
// sync.Map + atomic.Uint64 so a row insert never contends on a mutex with
// a periodic snapshot read.
type Tracker struct {
	rowCounts    sync.Map // table name -> *atomic.Uint64
	senderCounts sync.Map // sender name -> *atomic.Uint64

	start          atomic.Int64
	lastCommitNano atomic.Int64
}

// NewTracker starts a tracker with its uptime and commit clocks running
// from now.
func NewTracker() *Tracker {
	t := &Tracker{}
	now := time.Now().UnixNano()
	t.start.Store(now)
	t.lastCommitNano.Store(now)
	return t
}

// RecordRow increments both the per-table and per-sender row counters.
func (t *Tracker) RecordRow(sender, table string) {
	incrementCounter(&t.rowCounts, table)
	incrementCounter(&t.senderCounts, sender)
}

// RecordCommit marks the transaction heartbeat as having just fired, so
// CommitAge can report the time since the last commit.
func (t *Tracker) RecordCommit() {
	t.lastCommitNano.Store(time.Now().UnixNano())
}

// CommitAge is how long it has been since RecordCommit was last called.
func (t *Tracker) CommitAge() time.Duration {
	return time.Since(time.Unix(0, t.lastCommitNano.Load()))
}

// Snapshot returns a copy of row counts by table.
func (t *Tracker) Snapshot() map[string]uint64 {
	return copyCounters(&t.rowCounts)
}

// SenderCounts returns a copy of row counts by sender.
func (t *Tracker) SenderCounts() map[string]uint64 {
	return copyCounters(&t.senderCounts)
}

// Total is the sum of all per-sender row counts.
func (t *Tracker) Total() uint64 {
	var total uint64
	t.senderCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Uptime is how long this tracker has been accumulating counts.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Reset zeroes all counters and restarts the uptime clock.
func (t *Tracker) Reset() {
	t.rowCounts.Range(func(key, _ any) bool {
		t.rowCounts.Delete(key)
		return true
	})
	t.senderCounts.Range(func(key, _ any) bool {
		t.senderCounts.Delete(key)
		return true
	})
	t.start.Store(time.Now().UnixNano())
}

// Print displays the current statistics on stdout.
func (t *Tracker) Print() {
	fmt.Printf("Rows by sender: %s\n", formatCounters(&t.senderCounts))
	fmt.Printf("Rows by table: %s\n", formatCounters(&t.rowCounts))
}

func formatCounters(m *sync.Map) string {
	var b strings.Builder
	first := true
	m.Range(func(key, value any) bool {
		if !first {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%d", key.(string), value.(*atomic.Uint64).Load())
		first = false
		return true
	})
	if first {
		return "(none)"
	}
	return b.String()
}

func copyCounters(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
