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

// Package httpmsg implements the minimal HTTP/1.1 request-compose /
// response-parse pair the tunnel orchestrator uses both to issue the final
// request and to recognize a successful CONNECT at intermediate hops. It
// intentionally does not implement chunked transfer encoding, persistent
// connections, or HTTP/2: bodies are single in-memory blobs and every
// exchange is a single request/response pair over an already-open stream.
package httpmsg

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// headerPair preserves the case the caller used for the header name, as
// required by the "case-sensitive strings" data model.
type headerPair struct {
	name  string
	value string
}

// Headers is an ordered collection of header name/value pairs. Insertion
// order is preserved on Compose; lookups (Get, Has) are case-insensitive,
// matching HTTP header-name semantics.
type Headers struct {
	pairs []headerPair
}

// NewHeaders builds a Headers collection from name/value pairs given in
// the order they should appear on the wire.
func NewHeaders(pairs ...[2]string) *Headers {
	h := &Headers{}
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}

// Add appends a header, validating both the field name and value with
// golang.org/x/net/http/httpguts — the same validator net/http uses
// internally, reused here because this codec rolls its own ordered header
// storage instead of net/http.Header.
func (h *Headers) Add(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("httpmsg: invalid header field name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("httpmsg: invalid header field value %q for %q", value, name)
	}
	h.pairs = append(h.pairs, headerPair{name, value})
	return nil
}

// insertAt inserts a header at the given index, shifting later entries.
// Used for the Host-injection placement rule (see Compose).
func (h *Headers) insertAt(index int, name, value string) {
	if index > len(h.pairs) {
		index = len(h.pairs)
	}
	h.pairs = append(h.pairs, headerPair{})
	copy(h.pairs[index+1:], h.pairs[index:])
	h.pairs[index] = headerPair{name, value}
}

// Get returns the first value for name (case-insensitive), or ("", false).
func (h *Headers) Get(name string) (string, bool) {
	for _, p := range h.pairs {
		if strings.EqualFold(p.name, name) {
			return p.value, true
		}
	}
	return "", false
}

// Has reports whether name (case-insensitive) is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Len returns the number of header pairs.
func (h *Headers) Len() int { return len(h.pairs) }

// Each calls fn for every header pair in wire order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, p := range h.pairs {
		fn(p.name, p.value)
	}
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	out := &Headers{pairs: make([]headerPair, len(h.pairs))}
	copy(out.pairs, h.pairs)
	return out
}
