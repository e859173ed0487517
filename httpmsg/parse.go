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
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidResponse is returned when bytes cannot be parsed as a
// well-formed HTTP/1.x response, or carry a status code outside [100,599].
var ErrInvalidResponse = errors.New("httpmsg: invalid response")

// ParseOption configures ParseResponse's tolerance of non-conformant input.
type ParseOption func(*parseConfig)

type parseConfig struct {
	lenientStatus bool
}

// WithLenientStatus reproduces a documented quirk of the platform HTTP
// parser this codec was modeled on: a non-numeric status token is accepted
// and treated as 200. It is OFF by default — spec guidance is to reject
// non-numeric status tokens and offer this only as an explicit
// compatibility switch.
func WithLenientStatus() ParseOption {
	return func(c *parseConfig) { c.lenientStatus = true }
}

// ParseResponse parses the status line, header block, and optional body (the
// remainder of b to EOF) of an HTTP/1.x response. It never attempts chunked
// decoding: any body present is returned as the raw remainder.
func ParseResponse(b []byte, opts ...ParseOption) (*Response, error) {
	cfg := parseConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	lineEnd := bytes.Index(b, []byte("\r\n"))
	if lineEnd < 0 {
		return nil, fmt.Errorf("%w: no CRLF-terminated status line", ErrInvalidResponse)
	}
	statusLine := string(b[:lineEnd])

	status, reason, err := parseStatusLine(statusLine, cfg.lenientStatus)
	if err != nil {
		return nil, err
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("%w: status %d out of range", ErrInvalidResponse, status)
	}

	// The search starts at the status line's own CRLF, so a response with
	// no header fields ("status-line CRLF CRLF") has headerEnd == 0.
	headerEnd := bytes.Index(b[lineEnd:], []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: incomplete header block", ErrInvalidResponse)
	}
	headerBlock := ""
	if headerEnd > 0 {
		headerBlock = string(b[lineEnd+2 : lineEnd+headerEnd])
	}
	body := b[lineEnd+headerEnd+4:]

	headers := &Headers{}
	if headerBlock != "" {
		for _, line := range strings.Split(headerBlock, "\r\n") {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("%w: malformed header line %q", ErrInvalidResponse, line)
			}
			if err := headers.Add(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
			}
		}
	}

	var bodyOut []byte
	if len(body) > 0 {
		bodyOut = append([]byte(nil), body...)
	}

	return &Response{Status: status, Reason: reason, Headers: headers, Body: bodyOut}, nil
}

// parseStatusLine splits "HTTP/<version> SP <code> SP <reason>" into its
// code and reason parts.
func parseStatusLine(line string, lenient bool) (uint16, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("%w: malformed status line %q", ErrInvalidResponse, line)
	}
	if !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, "", fmt.Errorf("%w: missing HTTP version in %q", ErrInvalidResponse, line)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	code, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		if lenient {
			return 200, reason, nil
		}
		return 0, "", fmt.Errorf("%w: non-numeric status token %q", ErrInvalidResponse, parts[1])
	}
	return uint16(code), reason, nil
}
