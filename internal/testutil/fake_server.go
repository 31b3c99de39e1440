package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// FakeServer is a push-stream server speaking newline-delimited JSON on a
// loopback listener. It records every line clients send and can push events
// or drop connections on demand.
type FakeServer struct {
	t  testing.TB
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	accepted int
	received []json.RawMessage
	closed   bool

	wg sync.WaitGroup
}

// NewFakeServer starts a server on 127.0.0.1:0. It is closed on test cleanup.
func NewFakeServer(t testing.TB) *FakeServer {
	t.Helper()
	SkipIfNoNetwork(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &FakeServer{t: t, ln: ln}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr is the listener address.
func (s *FakeServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *FakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

func (s *FakeServer) readLoop(conn net.Conn) {
	defer s.wg.Done()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.mu.Lock()
			s.received = append(s.received, json.RawMessage(append([]byte(nil), trimmed...)))
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Accepted returns how many connections were accepted in total.
func (s *FakeServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Received returns a copy of every line received so far.
func (s *FakeServer) Received() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.received...)
}

// ReceivedOfType returns received lines whose "type" field equals typ.
func (s *FakeServer) ReceivedOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, raw := range s.Received() {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// WaitForAccepted blocks until at least n connections were accepted.
func (s *FakeServer) WaitForAccepted(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Accepted() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Accepted() >= n
}

// Push marshals v and writes it as one line to every open connection.
func (s *FakeServer) Push(v any) {
	s.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("marshal push: %v", err)
	}
	s.PushRaw(string(data))
}

// PushRaw writes line (plus newline) to every open connection.
func (s *FakeServer) PushRaw(line string) {
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		_, _ = conn.Write([]byte(line + "\n"))
	}
}

// DropAll closes every open connection; the listener keeps accepting.
func (s *FakeServer) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *FakeServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropAll()
	s.wg.Wait()
}
