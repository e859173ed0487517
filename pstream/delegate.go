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

// Package pstream implements the "paired byte stream" abstraction: two
// co-owned unidirectional byte streams (read-from, write-to) whose
// readiness is delivered as events through a Delegate, dispatched by a
// single-goroutine cooperative Loop. A higher layer (tlslayer.Session) wraps
// a lower one (a raw TCP Stream) by substituting itself as the lower
// stream's Delegate and forwarding non-contradictory events upward.
package pstream

// Delegate receives the lifecycle and readiness events of a Stream. Input
// streams must never call OnHasSpaceAvailable; output streams must never
// call OnHasBytesAvailable — a Stream that is both (as every Stream in this
// package is) may call either, depending on which direction changed.
type Delegate interface {
	// OnOpenCompleted is called once, when the stream becomes usable (after
	// a raw connection is established, or a TLS handshake completes).
	OnOpenCompleted()
	// OnHasBytesAvailable is called whenever new bytes are available to
	// Read.
	OnHasBytesAvailable()
	// OnHasSpaceAvailable is called whenever the stream is able to accept
	// more bytes via Write.
	OnHasSpaceAvailable()
	// OnErrorOccurred is called once, on a fatal I/O or handshake error.
	// No further events are delivered after this one.
	OnErrorOccurred(err error)
	// OnEndEncountered is called once the peer has performed an orderly or
	// abrupt half-close, with no error. No further events are delivered
	// after this one.
	OnEndEncountered()
}

// NopDelegate is a Delegate whose methods do nothing, useful as the default
// before SetDelegate is called.
type NopDelegate struct{}

func (NopDelegate) OnOpenCompleted()      {}
func (NopDelegate) OnHasBytesAvailable()  {}
func (NopDelegate) OnHasSpaceAvailable()  {}
func (NopDelegate) OnErrorOccurred(error) {}
func (NopDelegate) OnEndEncountered()     {}

// DelegateFuncs adapts plain functions into a Delegate, for callers (like
// tunnel.Orchestrator) that want to react to events without declaring a
// named type.
type DelegateFuncs struct {
	OpenCompleted     func()
	HasBytesAvailable func()
	HasSpaceAvailable func()
	ErrorOccurred     func(error)
	EndEncountered    func()
}

func (d DelegateFuncs) OnOpenCompleted() {
	if d.OpenCompleted != nil {
		d.OpenCompleted()
	}
}
func (d DelegateFuncs) OnHasBytesAvailable() {
	if d.HasBytesAvailable != nil {
		d.HasBytesAvailable()
	}
}
func (d DelegateFuncs) OnHasSpaceAvailable() {
	if d.HasSpaceAvailable != nil {
		d.HasSpaceAvailable()
	}
}
func (d DelegateFuncs) OnErrorOccurred(err error) {
	if d.ErrorOccurred != nil {
		d.ErrorOccurred(err)
	}
}
func (d DelegateFuncs) OnEndEncountered() {
	if d.EndEncountered != nil {
		d.EndEncountered()
	}
}
