// Package elmtest provides an in-process ELM327 adapter for tests.
package elmtest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Behaviour for a command.
const (
	// Silent reads the command and never answers.
	Silent = "\x00silent"
	// Hangup closes the connection when the command arrives.
	Hangup = "\x00hangup"
)

// Server is a fake adapter listening on 127.0.0.1. Replies are looked up by
// the upper-cased command text; unknown commands get "?".
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	replies  map[string]string
	received []string
	conns    []net.Conn
	accepted int
	delay    time.Duration
}

// DefaultReplies answers the init sequence, the standard mode 01 PIDs and
// ATRV like a healthy adapter on a running engine.
func DefaultReplies() map[string]string {
	return map[string]string{
		"":      "",
		"ATZ":   "\r\rELM327 v1.5",
		"ATE0":  "ATE0\rOK",
		"ATL0":  "OK",
		"ATS0":  "OK",
		"ATH0":  "OK",
		"ATSP0": "OK",
		"ATI":   "ELM327 v1.5",
		"ATRV":  "12.6V",
		"010D":  "410D50",
		"010C":  "410C1AF8",
		"0105":  "41055A",
		"010F":  "410F46",
		"0111":  "411133",
		"0104":  "410466",
		"012F":  "412F80",
	}
}

// NewServer starts a fake adapter with DefaultReplies. It is closed when
// the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("elmtest: listen: %v", err)
	}
	s := &Server{ln: ln, replies: DefaultReplies()}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Reply sets the reply body for cmd. Spaces in cmd are ignored when
// matching. The body is followed by "\r\r>" on the wire.
func (s *Server) Reply(cmd, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[key(cmd)] = body
}

// SetDelay makes every reply wait d before being written.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Received returns the commands seen so far, in order, as sent.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Count returns how many times cmd was received.
func (s *Server) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.received {
		if key(c) == key(cmd) {
			n++
		}
	}
	return n
}

// Accepted returns the number of connections accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(strings.TrimSuffix(line, "\r"))

		s.mu.Lock()
		s.received = append(s.received, cmd)
		body, ok := s.replies[key(cmd)]
		delay := s.delay
		s.mu.Unlock()

		if !ok {
			body = "?"
		}
		switch body {
		case Silent:
			continue
		case Hangup:
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := conn.Write([]byte(body + "\r\r>")); err != nil {
			return
		}
	}
}

func key(cmd string) string {
	return strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))
}
