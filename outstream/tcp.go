package outstream

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"oml2/internal/logging"
)

// TCPSink writes to a TCP collector, reconnecting with exponential
// back-off on error. The reconnect/backoff shape mirrors the network
// client pattern used for this codebase's other long-lived TCP links
// (dial, wrap in a buffered writer, and retry the dial on failure).
type TCPSink struct {
	addr        string
	dialTimeout time.Duration

	conn   net.Conn
	writer *bufio.Writer
	fresh  bool

	backoff *backoff
	log     *logging.Logger
}

// NewTCPSink dials addr immediately; the first dial's failure is reported
// to the caller synchronously, matching the client-connect contract
// elsewhere in this codebase.
func NewTCPSink(addr string) (*TCPSink, error) {
	s := &TCPSink{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		backoff:     newBackoff(time.Second, 30*time.Second),
		log:         logging.New("outstream.tcp"),
	}
	if err := s.dial(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TCPSink) dial() error {
	conn, err := net.DialTimeout("tcp", s.addr, s.dialTimeout)
	if err != nil {
		return fmt.Errorf("outstream: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	s.writer = bufio.NewWriter(conn)
	s.fresh = true
	s.backoff.Reset()
	return nil
}

func (s *TCPSink) Write(body, header []byte) (int, error) {
	if s.conn == nil {
		if err := s.reconnect(); err != nil {
			return 0, recoverable(err)
		}
	}

	if s.fresh && len(header) > 0 {
		if _, err := s.writer.Write(header); err != nil {
			return 0, s.onWriteError(err)
		}
	}
	s.fresh = false

	n, err := s.writer.Write(body)
	if err != nil {
		return n, s.onWriteError(err)
	}
	if err := s.writer.Flush(); err != nil {
		return n, s.onWriteError(err)
	}
	return n, nil
}

// onWriteError tears down the dead connection so the next Write attempts a
// fresh dial, and classifies the failure as recoverable: the drain task
// retries rather than giving up.
func (s *TCPSink) onWriteError(err error) error {
	s.log.Warnf("tcp sink %s: write error: %v", s.addr, err)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.writer = nil
	return recoverable(fmt.Errorf("outstream: write to %s: %w", s.addr, err))
}

func (s *TCPSink) reconnect() error {
	d := s.backoff.Next()
	time.Sleep(d)
	return s.dial()
}

func (s *TCPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
