package outstream

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff(10, 40)
	got := []int{int(b.Next()), int(b.Next()), int(b.Next()), int(b.Next())}
	want := []int{10, 20, 40, 40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Next() sequence = %v, want %v", got, want)
		}
	}
	b.Reset()
	if b.Next() != 10 {
		t.Fatalf("Next() after Reset = %d, want 10 (the base, not 0)", b.Next())
	}
}

func TestFileSinkWritesHeaderOnceThenFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	sink, err := NewFileSink(path, false)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	if _, err := sink.Write([]byte("body1"), []byte("HEADER\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := sink.Write([]byte("body2"), []byte("HEADER\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := readFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "HEADER\nbody1body2"
	if string(data) != want {
		t.Fatalf("file contents = %q, want %q", data, want)
	}
}

func TestZlibSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.gz")

	file, err := NewFileSink(path, false)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	z := NewZlibSink(file)

	if _, err := z.Write([]byte("row one\n"), []byte("META\n")); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if _, err := z.Write([]byte("row two\n"), []byte("META\n")); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := readFile(path)
	if err != nil {
		t.Fatal(err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(gr); err != nil {
		t.Fatalf("decompress: %v", err)
	}
	want := "META\nrow one\nrow two\n"
	if out.String() != want {
		t.Fatalf("decompressed = %q, want %q", out.String(), want)
	}
}

func TestInflateResyncRecoversAfterTruncation(t *testing.T) {
	var full bytes.Buffer
	gw1, _ := gzip.NewWriterLevel(&full, gzip.DefaultCompression)
	gw1.Write([]byte("member one payload"))
	gw1.Close()
	member1Len := full.Len()

	gw2, _ := gzip.NewWriterLevel(&full, gzip.DefaultCompression)
	gw2.Write([]byte("member two payload"))
	gw2.Close()

	// Simulate a crash partway through writing the second member: its gzip
	// header never finished arriving. The first member must still come
	// back intact.
	truncated := full.Bytes()[:member1Len+4]

	out, err := InflateResync(truncated)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if string(out) != "member one payload" {
		t.Fatalf("recovered = %q, want the first member's payload preserved", out)
	}
}

func TestInflateResyncCleanMultistream(t *testing.T) {
	var full bytes.Buffer
	gw1, _ := gzip.NewWriterLevel(&full, gzip.DefaultCompression)
	gw1.Write([]byte("alpha "))
	gw1.Close()
	gw2, _ := gzip.NewWriterLevel(&full, gzip.DefaultCompression)
	gw2.Write([]byte("beta"))
	gw2.Close()

	out, err := InflateResync(full.Bytes())
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if string(out) != "alpha beta" {
		t.Fatalf("recovered = %q, want %q", out, "alpha beta")
	}
}

// A truncated tail must not cause earlier clean members to be decoded
// twice when the scanner resumes past the damage.
func TestInflateResyncTruncatedTailDoesNotDuplicate(t *testing.T) {
	var full bytes.Buffer
	for _, payload := range []string{"one ", "two ", "three"} {
		gw, _ := gzip.NewWriterLevel(&full, gzip.DefaultCompression)
		gw.Write([]byte(payload))
		gw.Close()
	}

	truncated := full.Bytes()[:full.Len()-6]

	out, err := InflateResync(truncated)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	// The damaged tail member may contribute a partial payload, but the
	// clean members before it must appear exactly once each.
	if !bytes.HasPrefix(out, []byte("one two ")) {
		t.Fatalf("recovered = %q, want the clean members first", out)
	}
	if bytes.Count(out, []byte("one")) != 1 || bytes.Count(out, []byte("two")) != 1 {
		t.Fatalf("recovered = %q, clean members must not be duplicated", out)
	}
}

// A damaged member in the middle of the stream must not poison the members
// after it: the scan resyncs on the next gzip magic and the overall result
// is clean, per the resync contract.
func TestInflateResyncRecoversPastDamagedMiddle(t *testing.T) {
	var m1, m2 bytes.Buffer
	gw1, _ := gzip.NewWriterLevel(&m1, gzip.DefaultCompression)
	gw1.Write([]byte("before damage "))
	gw1.Close()
	gw2, _ := gzip.NewWriterLevel(&m2, gzip.DefaultCompression)
	gw2.Write([]byte("after damage"))
	gw2.Close()

	// Keep only the first half of member one, then splice member two in
	// whole: the reader has to skip the damage and resync on m2's magic.
	damaged := append(append([]byte{}, m1.Bytes()[:m1.Len()/2]...), m2.Bytes()...)

	out, err := InflateResync(damaged)
	if err != nil {
		t.Fatalf("err = %v, want nil (resync marker was seen after the damage)", err)
	}
	if !bytes.HasSuffix(out, []byte("after damage")) {
		t.Fatalf("recovered = %q, want it to end with the post-damage member", out)
	}
}

// After the collector drops the connection mid-run, the next successful
// write must start with the full metadata prologue (header replay).
func TestTCPSinkReplaysHeaderAfterReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				n, _ := c.Read(buf)
				received <- append([]byte{}, buf[:n]...)
				c.Close() // drop the client after one read
			}(conn)
		}
	}()

	sink, err := NewTCPSink(ln.Addr().String())
	if err != nil {
		t.Fatalf("NewTCPSink: %v", err)
	}
	sink.backoff = newBackoff(10*time.Millisecond, 10*time.Millisecond)
	defer sink.Close()

	header := []byte("HEADER\n")
	if _, err := sink.Write([]byte("first\n"), header); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	first := <-received
	if !bytes.HasPrefix(first, header) {
		t.Fatalf("first delivery = %q, want header-prefixed", first)
	}

	// The server closed the connection after reading; keep writing until
	// the sink notices, tears down, and redials. Recoverable errors along
	// the way are the drain task's retry signal, not failures. The second
	// accepted connection's first read proves the header was replayed.
	deadline := time.After(5 * time.Second)
	for {
		_, _ = sink.Write([]byte("second\n"), header)
		select {
		case second := <-received:
			if !bytes.HasPrefix(second, header) {
				t.Fatalf("post-reconnect delivery = %q, want header replayed first", second)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for post-reconnect delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
