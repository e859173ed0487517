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

// Package endpoint defines the immutable (host, port) value used to address
// every hop in a tunnel chain, from the first proxy to the origin.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidEndpoint is returned by New when host or port fail validation.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is a validated (host, port) pair. Host is a DNS name, a
// dotted-quad IPv4 literal, or a bracketed IPv6 literal. IP literals are
// stored exactly as given; a DNS name is stored lowercased and in its IDNA
// ASCII form when that conversion succeeds, and exactly as given when it
// fails. Zero values are never valid; construct with New.
type Endpoint struct {
	host string
	port uint16
}

// New validates host and port and returns an Endpoint, or ErrInvalidEndpoint
// wrapping the specific reason.
//
// host must be non-empty, must not be a bare (unbracketed) IPv6 address, and
// must round-trip through net/url as an authority component. port must be
// non-zero.
func New(host string, port uint16) (Endpoint, error) {
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if port == 0 {
		return Endpoint{}, fmt.Errorf("%w: zero port", ErrInvalidEndpoint)
	}
	if hasUnbracketedColon(host) {
		return Endpoint{}, fmt.Errorf("%w: unbracketed colon in host %q, wrap IPv6 literals in []", ErrInvalidEndpoint, host)
	}
	if u, err := url.Parse("https://" + host); err != nil || u.Host != host {
		return Endpoint{}, fmt.Errorf("%w: host %q does not round-trip as a URL authority", ErrInvalidEndpoint, host)
	}
	normalized, err := normalizeHost(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidEndpoint, err)
	}
	return Endpoint{host: normalized, port: port}, nil
}

// Host returns the endpoint's host as stored by New (bracketed for IPv6).
func (e Endpoint) Host() string { return e.host }

// Port returns the endpoint's port.
func (e Endpoint) Port() uint16 { return e.port }

// IsZero reports whether e is the zero Endpoint (never produced by New).
func (e Endpoint) IsZero() bool { return e.host == "" && e.port == 0 }

// String formats the endpoint as "host:port", keeping IPv6 literals
// bracketed.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

// hasUnbracketedColon reports whether host contains a literal colon
// (e.g. a bare IPv6 address, or a malformed "host:" authority token) that
// was not wrapped in the bracket pair expected of IPv6 literals.
func hasUnbracketedColon(host string) bool {
	if strings.HasPrefix(host, "[") {
		return false
	}
	return strings.ContainsRune(host, ':')
}

// normalizeHost passes domain-name hosts through IDNA ASCII conversion
// (honoring internationalized hostnames) and leaves IP literals untouched.
func normalizeHost(host string) (string, error) {
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return "", errors.New("unterminated IPv6 literal")
		}
		return host, nil
	}
	if looksLikeIPv4(host) {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		// Not every accepted DNS label (e.g. names containing underscores)
		// is valid per strict IDNA lookup rules. Fall back to the literal host rather than
		// rejecting a name a platform resolver would happily accept.
		return host, nil
	}
	return ascii, nil
}

func looksLikeIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}
