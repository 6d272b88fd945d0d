package outstream

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// ZlibSink wraps any other OutStream with a streaming gzip-framed deflate
// layer. The gzip header/trailer framing lets external tooling
// decompress the resulting file directly; a Flush after every write emits
// the zlib empty-block sync marker (00 00 FF FF). InflateResync does not
// resume at these markers: it resumes only at the next gzip member header.
//
// Every time the inner stream reports a write failure, the gzip stream is
// abandoned and a brand-new one (with its own header) is started on the
// next successful write, so that the metadata prologue supplied as header
// is compressed into the start of whatever gzip member the reader will
// actually be able to decode after a reconnect.
type ZlibSink struct {
	inner OutStream

	buf        bytes.Buffer
	gz         *gzip.Writer
	needHeader bool
}

// NewZlibSink wraps inner. inner is owned by the ZlibSink thereafter.
func NewZlibSink(inner OutStream) *ZlibSink {
	return &ZlibSink{inner: inner, needHeader: true}
}

func (z *ZlibSink) ensureWriter() error {
	if z.gz != nil {
		return nil
	}
	z.buf.Reset()
	gz, err := gzip.NewWriterLevel(&z.buf, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	z.gz = gz
	return nil
}

func (z *ZlibSink) Write(body, header []byte) (int, error) {
	if err := z.ensureWriter(); err != nil {
		return 0, err
	}

	payload := body
	if z.needHeader && len(header) > 0 {
		payload = append(append([]byte{}, header...), body...)
	}

	if _, err := z.gz.Write(payload); err != nil {
		return 0, recoverable(err)
	}
	// Sync flush: emits the zlib empty-block marker (00 00 FF FF) between
	// this message group and the next, without closing the gzip member.
	if err := z.gz.Flush(); err != nil {
		return 0, recoverable(err)
	}

	compressed := append([]byte{}, z.buf.Bytes()...)
	z.buf.Reset()

	if _, err := z.inner.Write(compressed, nil); err != nil {
		// The inner transport is gone; abandon this gzip member so the
		// next attempt starts a fresh one (with a fresh header) against
		// whatever connection the inner stream re-establishes.
		_ = z.gz.Close()
		z.gz = nil
		z.needHeader = true
		return 0, err
	}

	z.needHeader = false
	return len(body), nil
}

func (z *ZlibSink) Close() error {
	if z.gz != nil {
		if err := z.gz.Close(); err != nil {
			return err
		}
		if z.buf.Len() > 0 {
			_, _ = z.inner.Write(z.buf.Bytes(), nil)
			z.buf.Reset()
		}
		z.gz = nil
	}
	return z.inner.Close()
}
