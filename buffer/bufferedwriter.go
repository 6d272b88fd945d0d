// Package buffer implements the client-side BufferedWriter: a bounded,
// producer/consumer byte queue with a dedicated drain task, a
// drop-oldest-measurement-never-metadata back-pressure policy, and
// metadata-prologue replay across OutStream reconnects.
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"oml2/internal/logging"
	"oml2/outstream"
)

// ErrClosed is returned by Push/PushMeta once Close has been called.
var ErrClosed = errors.New("buffer: writer closed")

// BufferedWriter decouples producer goroutines from the network.
type BufferedWriter struct {
	mu        sync.Mutex
	dataCond  *sync.Cond // producer -> consumer: tail has data, or shutting down
	spaceCond *sync.Cond // consumer -> producer: a chunk was freed

	out       outstream.OutStream
	chunkSize int
	chainSize int // structural ceiling on chunk count

	head  *chunk
	tail  *chunk
	count int

	bytesEnqueued int
	capacity      int

	metaPrologue []byte // replayed in full after every successful (re)open

	active    bool
	closeOnce sync.Once
	drainDone chan struct{}
	stop      chan struct{} // closed by Close; interrupts back-off sleeps

	log *logging.Logger

	DroppedBytes uint64
	DroppedName  string // label used in log lines, e.g. the stream's URI
}

// Create allocates a BufferedWriter over out and starts its drain task.
// out is owned by the writer from this point on. queueCapacityBytes bounds
// total bytes held; chainChunkCount bounds the number of chunk objects, so
// each chunk holds queueCapacityBytes/chainChunkCount bytes.
func Create(out outstream.OutStream, queueCapacityBytes, chainChunkCount int) *BufferedWriter {
	if chainChunkCount < 1 {
		chainChunkCount = 1
	}
	chunkSize := queueCapacityBytes / chainChunkCount
	if chunkSize < 64 {
		chunkSize = 64
	}
	bw := &BufferedWriter{
		out:       out,
		chunkSize: chunkSize,
		chainSize: chainChunkCount,
		capacity:  queueCapacityBytes,
		active:    true,
		drainDone: make(chan struct{}),
		stop:      make(chan struct{}),
		log:       logging.New("buffer"),
	}
	bw.dataCond = sync.NewCond(&bw.mu)
	bw.spaceCond = sync.NewCond(&bw.mu)

	go bw.drainLoop()
	return bw
}

// Close flushes pending bytes best-effort (bounded by deadline), joins the
// drain task, and releases the OutStream.
func (bw *BufferedWriter) Close(deadline time.Duration) {
	bw.closeOnce.Do(func() {
		bw.mu.Lock()
		bw.active = false
		bw.dataCond.Broadcast()
		bw.spaceCond.Broadcast()
		bw.mu.Unlock()
		close(bw.stop)

		select {
		case <-bw.drainDone:
		case <-time.After(deadline):
			bw.log.Warnf("close deadline (%s) exceeded, dropping remaining queued bytes", deadline)
		}
		_ = bw.out.Close()
	})
}

// Push appends measurement bytes. In blocking mode it waits for space; in
// non-blocking mode it evicts the oldest non-metadata chunks to make room
// and returns the number of bytes actually accepted (possibly 0).
func (bw *BufferedWriter) Push(data []byte, blocking bool) (int, error) {
	return bw.push(data, false, blocking)
}

// PushMeta is like Push but the bytes are additionally recorded into the
// metadata prologue and are never discarded by back-pressure; if there is
// no evictable non-metadata chunk left, the caller blocks.
func (bw *BufferedWriter) PushMeta(data []byte) (int, error) {
	return bw.push(data, true, true)
}

func (bw *BufferedWriter) push(data []byte, isMeta, blocking bool) (int, error) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	remaining := data
	total := 0
	for len(remaining) > 0 {
		if !bw.active {
			return total, ErrClosed
		}
		if bw.head == nil || bw.head.full() {
			switch {
			case bw.count < bw.chainSize:
				bw.appendChunkLocked(isMeta)
			case blocking && !isMeta:
				// Blocking measurement producers wait for the drain task to
				// free a chunk; they never evict queued data themselves.
				bw.spaceCond.Wait()
				continue
			case bw.evictOldestNonMetaLocked():
				bw.appendChunkLocked(isMeta)
			case isMeta:
				// Chain full of metadata: new metadata blocks the caller.
				bw.spaceCond.Wait()
				continue
			default:
				bw.recordDropLocked(len(remaining))
				return total, nil
			}
		}
		free := bw.head.freeSpace()
		n := copy(free, remaining)
		bw.head.len += n
		if isMeta {
			bw.head.meta = true
		}
		bw.bytesEnqueued += n
		remaining = remaining[n:]
		total += n
		bw.dataCond.Signal()
	}
	// The prologue is extended under the lock once all bytes are queued.
	// A push that fits without waiting holds the lock throughout, so the
	// drain task cannot ship its metadata with an older header snapshot; a
	// push that waited for space released the lock meanwhile, and chunks
	// it filled before waiting may ship with the prologue as it was then.
	if isMeta && total > 0 {
		bw.metaPrologue = append(bw.metaPrologue, data[:total]...)
	}
	return total, nil
}

// rotateHeadLocked ensures bw.head points at a chunk with free space,
// allocating a new one if the chain has not reached its structural ceiling,
// or evicting the oldest evictable (non-meta) chunk otherwise. Returns
// false if no room could be made.
func (bw *BufferedWriter) rotateHeadLocked(meta bool) bool {
	if bw.count < bw.chainSize {
		bw.appendChunkLocked(meta)
		return true
	}
	if bw.evictOldestNonMetaLocked() {
		bw.appendChunkLocked(meta)
		return true
	}
	return false
}

func (bw *BufferedWriter) appendChunkLocked(meta bool) {
	c := newChunk(bw.chunkSize, meta)
	if bw.head == nil {
		bw.head = c
		bw.tail = c
	} else {
		c.prev = bw.head
		bw.head.next = c
		bw.head = c
	}
	bw.count++
}

// evictOldestNonMetaLocked drops the oldest non-metadata chunk, wherever it
// sits in the chain starting from the tail. Only whole chunks are ever
// dropped.
func (bw *BufferedWriter) evictOldestNonMetaLocked() bool {
	for c := bw.tail; c != nil; c = c.next {
		if c.meta {
			continue
		}
		bw.unlinkChunkLocked(c)
		bw.bytesEnqueued -= c.len - c.off
		bw.DroppedBytes += uint64(c.len - c.off)
		return true
	}
	return false
}

func (bw *BufferedWriter) unlinkChunkLocked(c *chunk) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		bw.tail = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		bw.head = c.prev
	}
	bw.count--
}

func (bw *BufferedWriter) recordDropLocked(n int) {
	bw.DroppedBytes += uint64(n)
	bw.log.Warnf("queue full (%s of %s), dropping %d bytes for %s",
		humanize.Bytes(uint64(bw.bytesEnqueued)), humanize.Bytes(uint64(bw.capacity)), n, bw.DroppedName)
}

// GetWriteBuf returns the head chunk's current free space for an adjacent
// encoding layer to format directly into. The writer lock is held until
// UnlockBuf is called, keeping other producers and the drain task away
// from the chunk while the caller formats; exclusive additionally reserves
// the buffer against a concurrent GetWriteBuf from another producer, which
// the single chain mutex already guarantees here. Returns nil (with the
// lock released) if no space could be made.
func (bw *BufferedWriter) GetWriteBuf(exclusive bool) []byte {
	bw.mu.Lock()
	if bw.head == nil || bw.head.full() {
		if !bw.rotateHeadLocked(false) {
			bw.mu.Unlock()
			return nil
		}
	}
	return bw.head.freeSpace()
}

// UnlockBuf commits n bytes written into the buffer returned by the most
// recent GetWriteBuf call and releases the writer lock taken there.
func (bw *BufferedWriter) UnlockBuf(n int) {
	if bw.head != nil && n > 0 {
		bw.head.len += n
		bw.bytesEnqueued += n
		bw.dataCond.Signal()
	}
	bw.mu.Unlock()
}

// QueueBytes reports bytes currently held.
func (bw *BufferedWriter) QueueBytes() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.bytesEnqueued
}
