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
	"errors"
	"io"
	"net"
	"sync"
)

// ConnStream adapts any io.ReadWriteCloser (a *net.TCPConn, a *tls.Conn, a
// net.Pipe half, …) into a Stream. A background goroutine pumps Read calls
// against the wrapped connection into an internal buffer and posts
// OnHasBytesAvailable events to the scheduled Loop; Read itself is
// non-blocking, serving only what the pump has already buffered — callers
// are expected to wait for an OnHasBytesAvailable event first, exactly as
// the paired-stream model intends.
//
// Once the pump observes a benign close or a fatal error, it stops filling
// the buffer. HasBytesAvailable afterward reports only the internal
// buffer's remaining size — never the wrapped connection's own readiness —
// which is what avoids spinning on a half-closed connection: there is
// nothing left to re-query on the wrapped connection after that point.
type ConnStream struct {
	conn io.ReadWriteCloser

	mu       sync.Mutex
	buf      []byte
	ended    bool
	err      error
	closed   bool
	delegate Delegate
	loop     *Loop
	started  bool
}

var _ Stream = (*ConnStream)(nil)

// WrapConn builds a ConnStream around an already-connected conn. Open starts
// the pump goroutine and reports the stream as open (OnOpenCompleted) and
// writable (OnHasSpaceAvailable) via the delegate; OnHasBytesAvailable
// follows once the pump has read something (the connection is assumed
// already established — e.g. the product of a completed TCP dial or TLS
// handshake).
func WrapConn(conn io.ReadWriteCloser) *ConnStream {
	return &ConnStream{conn: conn, delegate: NopDelegate{}}
}

func (s *ConnStream) SetDelegate(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == nil {
		d = NopDelegate{}
	}
	s.delegate = d
}

func (s *ConnStream) Schedule(loop *Loop) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

func (s *ConnStream) post(fn func()) {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop == nil {
		fn()
		return
	}
	loop.Post(fn)
}

// Open starts the pump goroutine. It never blocks: OnOpenCompleted and the
// initial OnHasSpaceAvailable are delivered asynchronously through the Loop.
func (s *ConnStream) Open() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.pump()
	s.post(func() { s.delegateOf().OnOpenCompleted() })
	s.post(func() { s.delegateOf().OnHasSpaceAvailable() })
	return nil
}

func (s *ConnStream) delegateOf() Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

func (s *ConnStream) pump() {
	for {
		chunk := make([]byte, maxChunk)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
			s.post(func() { s.delegateOf().OnHasBytesAvailable() })
		}
		if err != nil {
			if isBenignClose(err) {
				s.mu.Lock()
				s.ended = true
				s.mu.Unlock()
				s.post(func() { s.delegateOf().OnEndEncountered() })
			} else {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				s.post(func() { s.delegateOf().OnErrorOccurred(err) })
			}
			return
		}
	}
}

// isBenignClose reports whether err represents the peer's half-close
// (closedAbort | closedGraceful | closedNoNotify in spec terms), or this
// side's own close of the connection (net.ErrClosed, io.ErrClosedPipe —
// how a close from above is observed), rather than a transport failure.
func isBenignClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

func (s *ConnStream) HasBytesAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) > 0
}

// HasSpaceAvailable always reports true until the stream is closed: this
// package does not model OS-level write backpressure, since every wrapped
// io.Writer here (TCP, TLS) already blocks its own Write call when the
// kernel or record layer is backed up.
func (s *ConnStream) HasSpaceAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Read serves buffered bytes without blocking. If nothing is buffered and
// the stream ended benignly, it returns io.EOF; if nothing is buffered and
// a fatal error was observed, it returns that error; otherwise it returns
// (0, nil) — callers should wait for OnHasBytesAvailable.
func (s *ConnStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		if s.ended {
			return 0, io.EOF
		}
		if s.err != nil {
			return 0, s.err
		}
		return 0, nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Write performs a single synchronous write to the wrapped connection.
func (s *ConnStream) Write(p []byte) (int, error) {
	if len(p) > maxChunk {
		p = p[:maxChunk]
	}
	n, err := s.conn.Write(p)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.post(func() { s.delegateOf().OnErrorOccurred(err) })
		return n, err
	}
	return n, nil
}

// ReadAll drains whatever is currently buffered, in chunks of at most 1
// MiB, stopping once HasBytesAvailable goes false or a short read is
// observed. It returns nil if no byte was read.
func (s *ConnStream) ReadAll() ([]byte, error) {
	var out []byte
	for s.HasBytesAvailable() {
		chunk := make([]byte, maxChunk)
		n, err := s.Read(chunk)
		if n > 0 {
			out = append(out, chunk[:n]...)
		}
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			break
		}
		if n < maxChunk {
			break
		}
	}
	return out, nil
}

// WriteAll writes buf to completion, chunked at 1 MiB, stopping early on
// error, on a zero-byte write, or once the stream is closed
// (HasSpaceAvailable only goes false after Close; see its doc comment).
func (s *ConnStream) WriteAll(buf []byte) error {
	for len(buf) > 0 {
		if !s.HasSpaceAvailable() {
			return nil
		}
		end := len(buf)
		if end > maxChunk {
			end = maxChunk
		}
		n, err := s.Write(buf[:end])
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		buf = buf[n:]
	}
	return nil
}

// Close closes the wrapped connection. Idempotent.
func (s *ConnStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
