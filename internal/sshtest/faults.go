package sshtest

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// Silent accepts TCP connections and never writes to them, so a client
// waiting for the server identification blocks until its own deadline.
type Silent struct {
	Host string
	Port uint16

	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func StartSilent(tb testing.TB) *Silent {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("sshtest: listen: %v", err)
	}
	s := &Silent{ln: ln}
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.ParseUint(port, 10, 16)
	s.Host, s.Port = host, uint16(p)

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, nc)
			s.mu.Unlock()
		}
	}()
	tb.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, nc := range s.conns {
			_ = nc.Close()
		}
	})
	return s
}

// CorruptingConn flips the last byte of the next Read once armed, which
// breaks the MAC or tag of whatever record that byte belongs to.
type CorruptingConn struct {
	net.Conn
	armed     atomic.Bool
	corrupted atomic.Bool
}

func (c *CorruptingConn) Arm() { c.armed.Store(true) }

// Corrupted reports whether a byte has been flipped.
func (c *CorruptingConn) Corrupted() bool { return c.corrupted.Load() }

func (c *CorruptingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.armed.CompareAndSwap(true, false) {
		p[n-1] ^= 0xff
		c.corrupted.Store(true)
	}
	return n, err
}
