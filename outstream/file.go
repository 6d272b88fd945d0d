package outstream

import (
	"fmt"
	"os"
)

// FileSink writes to a local file. In flush mode it fsyncs after every
// write; in buffered mode it relies on the OS page cache, matching the
// "file" vs. "flush" collection-uri protocols.
type FileSink struct {
	path        string
	flushOnWrite bool
	f           *os.File
	fresh       bool
}

// NewFileSink opens (creating/truncating) path for append. flushOnWrite
// corresponds to the "flush:" protocol; false corresponds to "file:".
func NewFileSink(path string, flushOnWrite bool) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outstream: open %q: %w", path, err)
	}
	return &FileSink{path: path, flushOnWrite: flushOnWrite, f: f, fresh: true}, nil
}

func (s *FileSink) Write(body, header []byte) (int, error) {
	if s.fresh && len(header) > 0 {
		if _, err := s.f.Write(header); err != nil {
			return 0, recoverable(fmt.Errorf("outstream: write header to %q: %w", s.path, err))
		}
	}
	s.fresh = false

	n, err := s.f.Write(body)
	if err != nil {
		return n, recoverable(fmt.Errorf("outstream: write to %q: %w", s.path, err))
	}
	if s.flushOnWrite {
		if err := s.f.Sync(); err != nil {
			return n, recoverable(fmt.Errorf("outstream: fsync %q: %w", s.path, err))
		}
	}
	return n, nil
}

func (s *FileSink) Close() error {
	return s.f.Close()
}
