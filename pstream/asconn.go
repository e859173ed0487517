// Copyright 2024 The mistnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pstream

import (
	"net"
	"sync"
	"time"
)

// AsConn adapts a Stream into a net.Conn, blocking Read until bytes are
// available or the stream ends/errors. tlslayer uses this to drive
// crypto/tls.Client directly against a lower Stream (the raw TCP layer, or
// an outer tunnel hop), reusing the standard library's own TLS record and
// handshake implementation instead of reimplementing SSL buffering by
// hand — the same shape as a stdlib tls.Client(conn, cfg) call, just with
// conn substituted for a Stream-backed bridge.
type AsConn struct {
	s          Stream
	localAddr  net.Addr
	remoteAddr net.Addr

	mu      sync.Mutex
	cond    *sync.Cond
	ready   chan struct{}
	readyMu sync.Mutex
	fired   bool
}

var _ net.Conn = (*AsConn)(nil)

// NewAsConn wraps s, installing itself as s's Delegate and scheduling it on
// loop. s must not already have a different consumer relying on its
// delegate; AsConn takes ownership of event routing.
func NewAsConn(s Stream, loop *Loop, local, remote net.Addr) *AsConn {
	c := &AsConn{s: s, localAddr: local, remoteAddr: remote, ready: make(chan struct{}, 1)}
	c.cond = sync.NewCond(&c.mu)
	s.SetDelegate(DelegateFuncs{
		HasBytesAvailable: c.wake,
		EndEncountered:    c.wake,
		ErrorOccurred:     func(error) { c.wake() },
	})
	s.Schedule(loop)
	return c
}

func (c *AsConn) wake() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Read blocks until the underlying Stream has bytes available, has ended,
// or has errored, then behaves like Stream.Read.
func (c *AsConn) Read(b []byte) (int, error) {
	// The check and the Wait both happen under c.mu, which wake also takes,
	// so an event posted between them cannot be missed.
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		n, err := c.s.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		c.cond.Wait()
	}
}

func (c *AsConn) Write(b []byte) (int, error) {
	return c.s.Write(b)
}

func (c *AsConn) Close() error {
	c.wake()
	return c.s.Close()
}

func (c *AsConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *AsConn) RemoteAddr() net.Addr { return c.remoteAddr }

// Deadlines are not modeled by Stream; callers needing cancellation should
// use internal/ddltimer against the underlying raw connection instead.
func (c *AsConn) SetDeadline(t time.Time) error     { return nil }
func (c *AsConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *AsConn) SetWriteDeadline(t time.Time) error { return nil }
