package outstream

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrTruncated is returned by InflateResync when the input ends inside a
// gzip member with no later resync marker to recover from.
var ErrTruncated = errors.New("outstream: truncated stream, no resync marker found")

var gzipMagic = []byte{0x1f, 0x8b}

// InflateResync decompresses a file written by ZlibSink, tolerating a
// truncated tail. ZlibSink starts a fresh gzip member every time the
// underlying transport is reopened, so a file can contain several
// concatenated members; InflateResync decodes each in turn and, on hitting
// a truncated or corrupt member, scans forward for the next gzip magic
// marker and resumes there instead of failing the whole read.
//
// It returns every byte decoded across all members, including whatever a
// damaged member yielded before its decode failed. The
// returned error is nil only if the input ended on a clean member
// boundary; otherwise it is ErrTruncated, with out still holding whatever
// was recoverable.
func InflateResync(data []byte) (out []byte, err error) {
	var buf bytes.Buffer
	pos := 0
	cleanEnd := true

	for pos < len(data) {
		idx := bytes.Index(data[pos:], gzipMagic)
		if idx < 0 {
			if pos < len(data) {
				cleanEnd = false
			}
			break
		}
		memberStart := pos + idx

		// bytes.Reader satisfies flate.Reader, so the gzip layer consumes
		// it byte-exactly with no read-ahead; br.Len() after a clean decode
		// is exactly the start of whatever follows this member.
		br := bytes.NewReader(data[memberStart:])
		gr, gerr := gzip.NewReader(br)
		if gerr != nil {
			// Not a real member header, just a magic-byte coincidence;
			// keep scanning past it.
			pos = memberStart + len(gzipMagic)
			cleanEnd = false
			continue
		}
		// One member at a time: a clean member followed by a truncated one
		// must not be re-decoded when the scan resumes past the damage.
		gr.Multistream(false)

		_, copyErr := io.Copy(&buf, gr)
		gr.Close()

		if copyErr == nil {
			cleanEnd = true
			pos = memberStart + (len(data) - memberStart - br.Len())
			continue
		}

		// Truncated or corrupt member: keep whatever io.Copy already
		// flushed to buf and look for the next member.
		cleanEnd = false
		pos = memberStart + len(gzipMagic)
	}

	if !cleanEnd {
		return buf.Bytes(), ErrTruncated
	}
	return buf.Bytes(), nil
}
