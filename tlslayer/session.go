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

// Package tlslayer wraps a pstream.Stream with a client-side TLS session,
// grounded on outline-sdk's transport/tls/stream_dialer.go ClientConfig /
// VerifyConnection pattern: InsecureSkipVerify disables the standard
// library's own chain validation so VerifyConnection can run exactly the
// validation (and, optionally, certificate pinning) this package wants,
// against a peer reached through an arbitrary lower Stream rather than a
// plain net.Conn.
package tlslayer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/mistnet/httpss/pinning"
	"github.com/mistnet/httpss/pstream"
)

// State is the tlslayer state machine of spec §4.5: idle → handshake →
// connected → {closed | aborted}.
type State int

const (
	StateIdle State = iota
	StateHandshake
	StateConnected
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshake:
		return "handshake"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config mirrors outline-sdk's tls.ClientConfig: the parameters of a single
// client TLS connection, generalized with an optional Pinner.
type Config struct {
	// ServerName is sent as SNI and used as the certificate name unless
	// Pinner overrides validation for this host.
	ServerName string
	// NextProtos configures ALPN. Left empty: this module speaks HTTP/1.1
	// only (spec Non-goals exclude HTTP/2).
	NextProtos []string
	// Pinner, if non-nil and HasPin(ServerName) is true, replaces standard
	// chain validation with a byte-exact leaf comparison.
	Pinner *pinning.Pinner
}

func (c *Config) toStdConfig() *tls.Config {
	host := c.ServerName
	cfg := &tls.Config{
		ServerName: host,
		NextProtos: c.NextProtos,
		// InsecureSkipVerify disables the library's default chain
		// validation; VerifyConnection below replaces it, exactly as
		// outline-sdk's toStdConfig does.
		InsecureSkipVerify: true,
	}
	pinner := c.Pinner
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if pinner != nil && pinner.HasPin(host) {
			return pinner.Verify(host, cs)
		}
		return pinning.VerifyChain(host, cs)
	}
	return cfg
}

// Session is a TLS session object over a pstream.Stream: it is itself a
// pstream.Stream (so orchestrators can layer further TLS sessions on top
// of it, per spec §4.7's "wrap the current layer with a fresh TLS
// session"), implemented by driving crypto/tls.Client against the lower
// Stream through a pstream.AsConn bridge — this reuses the standard
// library's own record layer and handshake state machine instead of
// reimplementing SSL buffering, matching outline-sdk's own choice to wrap
// tls.Client around its StreamConn rather than hand-roll TLS.
type Session struct {
	cfg   Config
	lower pstream.Stream
	loop  *pstream.Loop

	mu       sync.Mutex
	state    State
	delegate pstream.Delegate
	conn     *tls.Conn
	err      error
	inner    *pstream.ConnStream
}

var _ pstream.Stream = (*Session)(nil)

// New builds a Session that will, on Open, perform a TLS client handshake
// over lower with the given Config. lower should not already have a
// different delegate installed; Session takes over as its delegate.
func New(lower pstream.Stream, cfg Config) *Session {
	return &Session{cfg: cfg, lower: lower, state: StateIdle, delegate: pstream.NopDelegate{}}
}

// SetDelegate installs d as the recipient of this session's events. If the
// handshake has already completed, d is also applied directly to the inner
// ConnStream wrapping the established tls.Conn — otherwise a delegate swap
// after Open (e.g. an orchestrator layering a further Session on top of this
// one) would be silently ignored, since handshake wires s.inner straight to
// whatever delegate was current at that moment.
func (s *Session) SetDelegate(d pstream.Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == nil {
		d = pstream.NopDelegate{}
	}
	s.delegate = d
	if s.inner != nil {
		s.inner.SetDelegate(d)
	}
}

func (s *Session) Schedule(loop *pstream.Loop) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

func (s *Session) delegateOf() pstream.Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// Open drives the handshake to completion (or to a handshakeFailed error)
// on a background goroutine, since crypto/tls.HandshakeContext blocks;
// this is consistent with spec §4.5's "drive handshake until SSL_OK,
// wouldBlock, or error" collapsed onto Go's blocking handshake call, with
// wouldBlock modeled as ordinary goroutine scheduling rather than an
// explicit state.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateHandshake
	s.mu.Unlock()

	go s.handshake()
	return nil
}

func (s *Session) handshake() {
	local := &tunnelAddr{network: "tlslayer", addr: s.cfg.ServerName}
	bridge := pstream.NewAsConn(s.lower, s.loop, local, local)
	if err := s.lower.Open(); err != nil {
		s.fail(fmt.Errorf("handshakeFailed: %w", err))
		return
	}

	conn := tls.Client(bridge, s.cfg.toStdConfig())
	if err := conn.HandshakeContext(context.Background()); err != nil {
		s.fail(fmt.Errorf("handshakeFailed: %w", err))
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.inner = pstream.WrapConn(conn)
	s.inner.SetDelegate(s.delegate)
	if s.loop != nil {
		s.inner.Schedule(s.loop)
	}
	s.state = StateConnected
	s.mu.Unlock()

	if err := s.inner.Open(); err != nil {
		s.fail(fmt.Errorf("handshakeFailed: %w", err))
		return
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateAborted
	s.err = err
	loop := s.loop
	s.mu.Unlock()
	post(loop, func() { s.delegateOf().OnErrorOccurred(err) })
}

func post(loop *pstream.Loop, fn func()) {
	if loop == nil {
		fn()
		return
	}
	loop.Post(fn)
}

func (s *Session) ready() (*pstream.ConnStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.inner == nil {
		return nil, errNotConnected
	}
	return s.inner, nil
}

var errNotConnected = errors.New("tlslayer: session not connected")

func (s *Session) HasBytesAvailable() bool {
	inner, err := s.ready()
	if err != nil {
		return false
	}
	return inner.HasBytesAvailable()
}

func (s *Session) HasSpaceAvailable() bool {
	inner, err := s.ready()
	if err != nil {
		return false
	}
	return inner.HasSpaceAvailable()
}

func (s *Session) Read(p []byte) (int, error) {
	inner, err := s.ready()
	if err != nil {
		return 0, err
	}
	return inner.Read(p)
}

func (s *Session) Write(p []byte) (int, error) {
	inner, err := s.ready()
	if err != nil {
		return 0, err
	}
	return inner.Write(p)
}

func (s *Session) ReadAll() ([]byte, error) {
	inner, err := s.ready()
	if err != nil {
		return nil, err
	}
	return inner.ReadAll()
}

func (s *Session) WriteAll(buf []byte) error {
	inner, err := s.ready()
	if err != nil {
		return err
	}
	return inner.WriteAll(buf)
}

// Close sends a TLS close-notify (via tls.Conn.Close) and closes the
// wrapped lower stream. Peer absence of close-notify is not surfaced as an
// error, per spec §4.5. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.state = StateClosed
	s.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	lowerErr := s.lower.Close()
	return errors.Join(closeErr, lowerErr)
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type tunnelAddr struct {
	network string
	addr    string
}

func (a *tunnelAddr) Network() string { return a.network }
func (a *tunnelAddr) String() string  { return a.addr }
