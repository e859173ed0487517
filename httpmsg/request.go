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

package httpmsg

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// ErrInvalidRequest is returned when a Request violates the method/body/
// options preconditions of the data model.
var ErrInvalidRequest = errors.New("httpmsg: invalid request")

// SupportedMethods lists the HTTP methods this codec will compose.
var SupportedMethods = map[string]bool{
	"CONNECT": true,
	"DELETE":  true,
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"POST":    true,
	"PUT":     true,
	"TRACE":   true,
}

// Request is the data model of an outbound HTTP/1.1 request. URL must not
// be a file URL. Options carries the opaque request-target used in place of
// URL.Path — required for CONNECT (authority-form target) and OPTIONS
// (asterisk-form target), and forbidden to be empty for those methods.
// CONNECT and HEAD requests must carry an empty Body.
type Request struct {
	Method  string
	URL     *url.URL
	Headers *Headers
	Body    []byte
	Options string
}

// NewRequest constructs a Request with an empty Headers collection, ready
// for the caller to Add headers to before Compose.
func NewRequest(method string, u *url.URL) *Request {
	return &Request{Method: method, URL: u, Headers: &Headers{}}
}

// Validate enforces the data model's invariants, returning ErrInvalidRequest
// on violation.
func (r *Request) Validate() error {
	if !SupportedMethods[r.Method] {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, r.Method)
	}
	if r.URL == nil {
		return fmt.Errorf("%w: nil URL", ErrInvalidRequest)
	}
	if r.URL.Scheme == "file" {
		return fmt.Errorf("%w: file URLs are not supported", ErrInvalidRequest)
	}
	if (r.Method == "CONNECT" || r.Method == "OPTIONS") && r.Options == "" {
		return fmt.Errorf("%w: method %s requires a non-empty request-target override", ErrInvalidRequest, r.Method)
	}
	if (r.Method == "CONNECT" || r.Method == "HEAD") && len(r.Body) != 0 {
		return fmt.Errorf("%w: method %s must have an empty body", ErrInvalidRequest, r.Method)
	}
	return nil
}

// requestTarget returns the text that goes between the method and the
// HTTP version on the request line.
func (r *Request) requestTarget() string {
	if r.Options != "" {
		return r.Options
	}
	return r.URL.Path
}

// Compose renders r as the raw bytes of an HTTP/1.1 request: request line,
// header block (with Host and Content-Length injected per the data model's
// injection rules), a blank line, and the body.
//
// Host injection: if no Host header is present, one is injected carrying
// r.URL.Host. Content-Length injection: if the body is non-empty and no
// Content-Length header is present, one is injected with the exact body
// length. Both injections are idempotent — Compose injects into a copy of
// r.Headers and never modifies r, so calling it twice yields the same
// bytes and never double-injects.
func (r *Request) Compose() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	headers := r.Headers
	if headers == nil {
		headers = &Headers{}
	}
	headers = headers.Clone()

	if !headers.Has("Host") {
		// Host is inserted as the second header (right after whatever the
		// caller supplied first), not appended at the end — this placement
		// is required to reproduce the exact wire bytes of a CONNECT or
		// HEAD request composed with pre-existing headers.
		pos := 0
		if headers.Len() >= 1 {
			pos = 1
		}
		headers.insertAt(pos, "Host", r.URL.Host)
	}
	if len(r.Body) > 0 && !headers.Has("Content-Length") {
		_ = headers.Add("Content-Length", strconv.Itoa(len(r.Body)))
	}

	var buf []byte
	buf = append(buf, r.Method...)
	buf = append(buf, ' ')
	buf = append(buf, r.requestTarget()...)
	buf = append(buf, ' ')
	buf = append(buf, "HTTP/1.1\r\n"...)
	headers.Each(func(name, value string) {
		buf = append(buf, name...)
		buf = append(buf, ": "...)
		buf = append(buf, value...)
		buf = append(buf, "\r\n"...)
	})
	buf = append(buf, "\r\n"...)
	buf = append(buf, r.Body...)
	return buf, nil
}
