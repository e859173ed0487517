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
	"context"
	"io"
	"net"
	"time"

	"github.com/mistnet/httpss/internal/ddltimer"
)

// RawStream is the layer-0 stream of spec §3: a bare TCP connection to a
// single proxy or target endpoint. Open dials lazily so the Stream can be
// constructed, and have its delegate/loop installed, before the
// orchestrator decides it's time to connect.
//
// Since the core contract (spec §5) leaves timeouts to the caller ("the
// caller imposes them by closing from above"), RawStream exposes that as a
// concrete SetDeadline rather than requiring callers to manage their own
// timers: an expired deadline closes the underlying connection, which the
// pump goroutine observes as a benign close and reports as
// OnEndEncountered, the same way as any other close from above.
type RawStream struct {
	*ConnStream

	dialer   *net.Dialer
	network  string
	addr     string
	delegate Delegate
	loop     *Loop
	ddl      *ddltimer.DeadlineTimer
}

var _ Stream = (*RawStream)(nil)

// NewRawStream builds a RawStream that will dial addr (host:port) over
// network ("tcp" unless otherwise specified) when Open is called. dialer
// may be nil, in which case a zero-value *net.Dialer is used.
func NewRawStream(network, addr string, dialer *net.Dialer) *RawStream {
	if network == "" {
		network = "tcp"
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &RawStream{dialer: dialer, network: network, addr: addr, delegate: NopDelegate{}}
}

// SetDelegate records d; it is applied to the underlying ConnStream once
// Open dials successfully, since the ConnStream does not exist beforehand.
func (s *RawStream) SetDelegate(d Delegate) {
	if d == nil {
		d = NopDelegate{}
	}
	s.delegate = d
	if s.ConnStream != nil {
		s.ConnStream.SetDelegate(d)
	}
}

// Schedule records loop; like SetDelegate, it is re-applied once Open dials.
func (s *RawStream) Schedule(loop *Loop) {
	s.loop = loop
	if s.ConnStream != nil {
		s.ConnStream.Schedule(loop)
	}
}

// Open dials the configured address and, once connected, behaves exactly
// like a ConnStream wrapping the resulting net.Conn.
func (s *RawStream) Open() error {
	return s.OpenContext(context.Background())
}

// OpenContext is like Open but allows the dial itself to be bounded by ctx;
// internal/ddltimer governs deadlines on the connection once established.
func (s *RawStream) OpenContext(ctx context.Context) error {
	if s.ConnStream != nil {
		return s.ConnStream.Open()
	}
	conn, err := s.dialer.DialContext(ctx, s.network, s.addr)
	if err != nil {
		s.delegate.OnErrorOccurred(err)
		return err
	}
	s.ConnStream = WrapConn(conn)
	s.ConnStream.SetDelegate(s.delegate)
	if s.loop != nil {
		s.ConnStream.Schedule(s.loop)
	}
	if s.ddl != nil {
		s.watchDeadline(conn)
	}
	return s.ConnStream.Open()
}

// SetDeadline arranges for the underlying connection to be closed once t
// elapses, once Open has dialed successfully (calling it before Open is
// safe — the deadline is recorded and applied as soon as the connection
// exists). A zero time disarms the deadline.
func (s *RawStream) SetDeadline(t time.Time) {
	if s.ddl == nil {
		s.ddl = ddltimer.New()
		if s.ConnStream != nil {
			s.watchDeadline(s.ConnStream)
		}
	}
	s.ddl.SetDeadline(t)
}

// Close closes the dialed connection. Idempotent; before Open has dialed
// there is nothing to close and it returns nil.
func (s *RawStream) Close() error {
	if s.ConnStream == nil {
		return nil
	}
	return s.ConnStream.Close()
}

func (s *RawStream) watchDeadline(conn io.Closer) {
	go func() {
		<-s.ddl.Timeout()
		if s.ddl.Deadline().IsZero() {
			return
		}
		conn.Close()
	}()
}
