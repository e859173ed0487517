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

// Package tunnel implements the nested-tunnel orchestrator: a
// one-request-at-a-time, single-threaded state machine that dials a raw TCP stream to the first
// target, layers a TLS session on top, and — for every target beyond the
// first — sends an HTTP CONNECT through the current top layer and, on a 200
// response, layers a fresh TLS session over it, until the final target is
// reached and the caller's request is sent. Grounded on outline-sdk's
// x/httpproxy/connect_client.go dial-then-CONNECT shape, generalized from
// one hop to an arbitrary chain of hops and from a blocking call into an
// event-driven FSM over pstream.Stream layers.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/mistnet/httpss/endpoint"
	"github.com/mistnet/httpss/httpmsg"
	"github.com/mistnet/httpss/pinning"
	"github.com/mistnet/httpss/pstream"
	"github.com/mistnet/httpss/tlslayer"
)

// state is the orchestrator's 5-state machine (spec §4.7).
type state int

const (
	stateInactive state = iota
	stateShouldEstablishTunnelConnection
	stateExpectTunnelConnectionEstablished
	stateShouldSendHttpRequest
	stateExpectHttpResponse
)

func (s state) String() string {
	switch s {
	case stateInactive:
		return "inactive"
	case stateShouldEstablishTunnelConnection:
		return "shouldEstablishTunnelConnection"
	case stateExpectTunnelConnectionEstablished:
		return "expectTunnelConnectionEstablished"
	case stateShouldSendHttpRequest:
		return "shouldSendHttpRequest"
	case stateExpectHttpResponse:
		return "expectHttpResponse"
	default:
		return "unknown"
	}
}

var (
	// ErrNoTargets is returned by Issue when the orchestrator was
	// constructed without at least one target.
	ErrNoTargets = errors.New("tunnel: no targets configured")
	// ErrRequestInFlight is returned by Issue when a request is already
	// outstanding on this orchestrator; callers needing concurrency must
	// use separate Orchestrators.
	ErrRequestInFlight = errors.New("tunnel: request already in flight")
)

// CompletionFunc receives the final response or a fatal error, invoked at
// most once per Issue call.
type CompletionFunc func(resp *httpmsg.Response, err error)

// Logger receives orchestrator lifecycle events for observability. It is
// purely an ambient hook: the core never imports a logging library itself
// (see DESIGN.md); cmd/httpss supplies a zap-backed implementation.
type Logger interface {
	Event(name string, fields map[string]any)
}

// NopLogger discards every event; it is the default.
type NopLogger struct{}

func (NopLogger) Event(string, map[string]any) {}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithPinner installs a certificate pinner consulted by every TLS layer.
func WithPinner(p *pinning.Pinner) Option {
	return func(o *Orchestrator) { o.pinner = p }
}

// WithLogger installs a Logger; the default is NopLogger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDialer overrides the *net.Dialer used to open the raw TCP stream to
// the first target.
func WithDialer(d *net.Dialer) Option {
	return func(o *Orchestrator) { o.dialer = d }
}

// WithLoop installs an existing pstream.Loop instead of the one an
// Orchestrator creates for itself by default. Share a Loop across
// Orchestrators that should serialize their event delivery.
func WithLoop(loop *pstream.Loop) Option {
	return func(o *Orchestrator) { o.loop = loop }
}

// Orchestrator is the tunnel state machine of spec §4.7, single-use at a
// time: a second Issue call while one is in flight returns
// ErrRequestInFlight. Its layer stack and FSM state are owned exclusively
// by the orchestrator; no state is shared across requests.
type Orchestrator struct {
	targets []endpoint.Endpoint
	pinner  *pinning.Pinner
	logger  Logger
	dialer  *net.Dialer
	loop    *pstream.Loop
	ownLoop bool

	mu         sync.Mutex
	generation int
	layers     []pstream.Stream
	state      state
	request    *httpmsg.Request
	completion CompletionFunc
	pending    []byte // accumulates partial response bytes across events
}

// New builds an Orchestrator for the given target chain: targets[0..n-2]
// are proxies in CONNECT order, targets[n-1] is the origin. len(targets)
// must be at least 1 (a direct HTTPS request, no proxy, is targets of
// length 1).
func New(targets []endpoint.Endpoint, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		targets: append([]endpoint.Endpoint(nil), targets...),
		logger:  NopLogger{},
		dialer:  &net.Dialer{},
		state:   stateInactive,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.loop == nil {
		o.loop = pstream.NewLoop()
		o.ownLoop = true
	}
	return o
}

// Close stops the orchestrator's own event loop, if it created one via
// WithLoop not being supplied. Safe to call after any in-flight request
// has completed.
func (o *Orchestrator) Close() {
	if o.ownLoop {
		o.loop.Close()
	}
}

// indicesLocked computes the spec §4.7 indexing contract from the current
// layer count. Callers must hold o.mu.
func (o *Orchestrator) indicesLocked() (currentLayer, currentTargetIdx, nextTargetIdx int) {
	n := len(o.layers)
	if n < 2 {
		currentLayer = 0
	} else {
		currentLayer = n - 1
	}
	if currentLayer < 2 {
		currentTargetIdx = 0
	} else {
		currentTargetIdx = currentLayer - 1
	}
	nextTargetIdx = currentTargetIdx + 1
	return
}

// Issue starts a new request. It validates req synchronously and returns
// an error immediately for precondition violations (spec §4.8); a response
// or a fatal error is delivered to completion at most once,
// asynchronously. An end of stream before the response resets the
// orchestrator without invoking completion.
func (o *Orchestrator) Issue(ctx context.Context, req *httpmsg.Request, completion CompletionFunc) error {
	if err := req.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if len(o.targets) == 0 {
		o.mu.Unlock()
		return ErrNoTargets
	}
	if o.state != stateInactive {
		o.mu.Unlock()
		return ErrRequestInFlight
	}
	o.generation++
	gen := o.generation
	o.request = req
	o.completion = completion
	o.pending = nil

	raw := pstream.NewRawStream("tcp", o.targets[0].String(), o.dialer)
	o.layers = []pstream.Stream{raw}
	_, ct, _ := o.indicesLocked()
	if ct == len(o.targets)-1 {
		o.state = stateShouldSendHttpRequest
	} else {
		o.state = stateShouldEstablishTunnelConnection
	}
	wrapHost := o.targets[ct].Host()
	o.mu.Unlock()

	raw.SetDelegate(o.delegateFor(gen))
	raw.Schedule(o.loop)

	// spec §5: "the caller imposes timeouts by closing from above." A ctx
	// deadline arms RawStream's ddltimer-backed SetDeadline so a hung
	// read/write on the raw TCP layer closes the connection instead of
	// blocking forever (the dial itself is bounded by ctx through
	// OpenContext); ctx cancellation (with or without a
	// deadline) is watched separately below to close from above at any
	// point in the chain, not just the raw layer.
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			o.finish(gen, nil, fmt.Errorf("tunnel: %w", ctx.Err()))
		}()
	}

	go func() {
		if err := raw.OpenContext(ctx); err != nil {
			o.finish(gen, nil, fmt.Errorf("readingFailed: %w", err))
			return
		}
		o.logEvent("layer_dialed", map[string]any{"target": o.targets[0].String()})
		if err := o.wrapLayer(gen, wrapHost); err != nil {
			o.finish(gen, nil, fmt.Errorf("handshakeFailed: %w", err))
		}
	}()
	return nil
}

func (o *Orchestrator) wrapLayer(gen int, host string) error {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return nil
	}
	top := o.layers[len(o.layers)-1]
	o.mu.Unlock()

	sess := tlslayer.New(top, tlslayer.Config{ServerName: host, Pinner: o.pinner})
	sess.SetDelegate(o.delegateFor(gen))
	sess.Schedule(o.loop)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return nil
	}
	o.layers = append(o.layers, sess)
	o.pending = nil
	o.mu.Unlock()

	o.logEvent("layer_wrapping", map[string]any{"sni": host})
	return sess.Open()
}

func (o *Orchestrator) delegateFor(gen int) pstream.Delegate {
	return pstream.DelegateFuncs{
		OpenCompleted:     func() { o.onOpenCompleted(gen) },
		HasBytesAvailable: func() { o.onHasBytesAvailable(gen) },
		HasSpaceAvailable: func() { o.onHasSpaceAvailable(gen) },
		ErrorOccurred:     func(err error) { o.onErrorOccurred(gen, err) },
		EndEncountered:    func() { o.onEndEncountered(gen) },
	}
}

func (o *Orchestrator) onOpenCompleted(gen int) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	_, ct, _ := o.indicesLocked()
	atOrigin := ct == len(o.targets)-1
	if atOrigin {
		o.state = stateShouldSendHttpRequest
	} else {
		o.state = stateShouldEstablishTunnelConnection
	}
	o.mu.Unlock()
	o.logEvent("layer_established", map[string]any{"target": o.targets[ct].String(), "origin": atOrigin})
}

func (o *Orchestrator) onHasSpaceAvailable(gen int) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	switch o.state {
	case stateShouldEstablishTunnelConnection:
		_, ct, nt := o.indicesLocked()
		if nt >= len(o.targets) {
			o.mu.Unlock()
			o.onErrorOccurred(gen, errors.New("tunnel: target index out of range"))
			return
		}
		proxy, target := o.targets[ct], o.targets[nt]
		top := o.layers[len(o.layers)-1]
		o.state = stateExpectTunnelConnectionEstablished
		o.mu.Unlock()

		req := httpmsg.NewConnectRequest(target, proxy, nil)
		buf, err := req.Compose()
		if err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("invalidRequest: %w", err))
			return
		}
		o.logEvent("connect_sent", map[string]any{"proxy": proxy.String(), "target": target.String()})
		if err := top.WriteAll(buf); err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("writingFailed: %w", err))
		}

	case stateShouldSendHttpRequest:
		top := o.layers[len(o.layers)-1]
		req := o.request
		o.state = stateExpectHttpResponse
		o.mu.Unlock()

		buf, err := req.Compose()
		if err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("invalidRequest: %w", err))
			return
		}
		o.logEvent("request_sent", map[string]any{"method": req.Method})
		if err := top.WriteAll(buf); err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("writingFailed: %w", err))
		}

	default:
		o.mu.Unlock()
	}
}

func (o *Orchestrator) onHasBytesAvailable(gen int) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	switch o.state {
	case stateExpectTunnelConnectionEstablished:
		top := o.layers[len(o.layers)-1]
		o.mu.Unlock()

		chunk, err := top.ReadAll()
		if err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("readingFailed: %w", err))
			return
		}

		o.mu.Lock()
		if gen != o.generation {
			o.mu.Unlock()
			return
		}
		o.pending = append(o.pending, chunk...)
		buf := o.pending
		_, ct, nt := o.indicesLocked()
		o.mu.Unlock()

		resp, err := httpmsg.ParseResponse(buf)
		if err != nil {
			if needsMoreBytes(err) {
				return
			}
			o.onErrorOccurred(gen, fmt.Errorf("invalidResponse: %w", err))
			return
		}
		if resp.Status != 200 {
			o.onErrorOccurred(gen, fmt.Errorf("unexpectedResponse(%d %s)", resp.Status, resp.Reason))
			return
		}
		o.logEvent("connect_established", map[string]any{"proxy": o.targets[ct].String()})
		if err := o.wrapLayer(gen, o.targets[nt].Host()); err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("handshakeFailed: %w", err))
		}

	case stateExpectHttpResponse:
		top := o.layers[len(o.layers)-1]
		o.mu.Unlock()

		chunk, err := top.ReadAll()
		if err != nil {
			o.onErrorOccurred(gen, fmt.Errorf("readingFailed: %w", err))
			return
		}

		o.mu.Lock()
		if gen != o.generation {
			o.mu.Unlock()
			return
		}
		o.pending = append(o.pending, chunk...)
		buf := o.pending
		o.mu.Unlock()

		resp, err := httpmsg.ParseResponse(buf)
		if err != nil {
			if needsMoreBytes(err) {
				return
			}
			o.onErrorOccurred(gen, fmt.Errorf("invalidResponse: %w", err))
			return
		}
		o.logEvent("response_received", map[string]any{"status": resp.Status})
		o.finish(gen, resp, nil)

	default:
		o.mu.Unlock()
	}
}

func (o *Orchestrator) onErrorOccurred(gen int, err error) {
	o.finish(gen, nil, err)
}

func (o *Orchestrator) onEndEncountered(gen int) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	// A peer half-close while a response is still outstanding resets
	// silently, per spec §4.7 item 8 and §9's Open Question resolution;
	// any completion that already fired is unaffected since finish guards
	// on generation.
	o.logEvent("end_encountered", nil)
	o.reset(gen)
}

func (o *Orchestrator) finish(gen int, resp *httpmsg.Response, err error) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	completion := o.completion
	o.mu.Unlock()

	if completion != nil {
		completion(resp, err)
	}
	o.reset(gen)
}

// reset tears down the layer stack and returns the orchestrator to
// inactive. Idempotent: calling it twice for the same generation is
// indistinguishable from calling it once, since the second call observes
// a generation already advanced past gen.
func (o *Orchestrator) reset(gen int) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.generation++
	layers := o.layers
	o.layers = nil
	o.request = nil
	o.completion = nil
	o.pending = nil
	o.state = stateInactive
	o.mu.Unlock()

	for _, l := range layers {
		l.SetDelegate(pstream.NopDelegate{})
	}
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].Close()
	}
}

func (o *Orchestrator) logEvent(name string, fields map[string]any) {
	if o.logger != nil {
		o.logger.Event(name, fields)
	}
}

// needsMoreBytes reports whether err from ParseResponse reflects a
// still-incomplete message rather than a genuinely malformed one, so the
// caller can wait for the next hasBytesAvailable event instead of failing
// the request on the first partial read.
func needsMoreBytes(err error) bool {
	if !errors.Is(err, httpmsg.ErrInvalidResponse) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no CRLF-terminated status line") ||
		strings.Contains(msg, "incomplete header block")
}
