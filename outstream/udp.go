package outstream

import (
	"fmt"
	"net"
)

// UDPSink writes datagrams to a UDP collector. There is no connection to
// lose, but a failed send still tears the socket down and redials so a
// changed route or restarted resolver target is picked up. Each Write
// body goes out as one datagram; the header is prepended to the first
// datagram after every (re)dial, the same replay contract the TCP sink
// honors.
type UDPSink struct {
	addr  string
	conn  net.Conn
	fresh bool
}

func NewUDPSink(addr string) (*UDPSink, error) {
	s := &UDPSink{addr: addr}
	if err := s.dial(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *UDPSink) dial() error {
	conn, err := net.Dial("udp", s.addr)
	if err != nil {
		return fmt.Errorf("outstream: dial udp %s: %w", s.addr, err)
	}
	s.conn = conn
	s.fresh = true
	return nil
}

func (s *UDPSink) Write(body, header []byte) (int, error) {
	if s.conn == nil {
		if err := s.dial(); err != nil {
			return 0, recoverable(err)
		}
	}

	payload := body
	if s.fresh && len(header) > 0 {
		payload = append(append([]byte{}, header...), body...)
	}

	if _, err := s.conn.Write(payload); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return 0, recoverable(fmt.Errorf("outstream: send to %s: %w", s.addr, err))
	}
	s.fresh = false
	return len(body), nil
}

func (s *UDPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
