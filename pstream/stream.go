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

// maxChunk bounds every buffered read/flush chunk at 1 MiB, per spec §4.4's
// readAll/write-all convenience methods and §4.5's TLS buffering.
const maxChunk = 1 << 20

// Stream is a paired byte stream: two co-owned unidirectional byte streams
// (read-from, write-to), with lifecycle/scheduling semantics and
// readiness delivered through a Delegate. A higher layer wraps a lower one
// by calling SetDelegate on the lower stream with itself, then forwarding
// non-contradictory events to its own delegate.
type Stream interface {
	// Open begins establishing the stream (e.g. dialing TCP, or starting a
	// TLS handshake). OnOpenCompleted fires on the Delegate once open.
	Open() error
	// Close releases the stream's resources. Idempotent.
	Close() error

	// HasBytesAvailable is a non-blocking probe: true if Read would return
	// at least one byte without blocking.
	HasBytesAvailable() bool
	// HasSpaceAvailable is a non-blocking probe: true if Write would accept
	// at least one byte without blocking.
	HasSpaceAvailable() bool

	// Read moves up to len(buf) bytes into buf, returning the count moved
	// (never negative). A non-nil error signals the end of the stream
	// (io.EOF) or a stream error.
	Read(buf []byte) (n int, err error)
	// Write moves up to len(buf) bytes from buf into the stream, returning
	// the count moved. Partial progress is allowed.
	Write(buf []byte) (n int, err error)

	// ReadAll drains the stream while HasBytesAvailable is true and the
	// last read filled its chunk, in chunks of at most 1 MiB, returning the
	// accumulated bytes, or nil if no byte was read.
	ReadAll() ([]byte, error)
	// WriteAll loops writing buf until all bytes are written,
	// HasSpaceAvailable goes false, or a write fails.
	WriteAll(buf []byte) error

	// SetDelegate installs d as the receiver of this stream's events,
	// replacing any previous delegate.
	SetDelegate(d Delegate)
	// Schedule arranges for this stream's events to be posted to loop.
	Schedule(loop *Loop)
}
