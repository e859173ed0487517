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

// Package urlscheme decodes the synthetic "httpss", "httpsss", "httpssss", …
// URL scheme used to encode an ordered HTTPS proxy chain plus an inner
// target URL in a single opaque URL.
package urlscheme

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mistnet/httpss/endpoint"
)

// ErrNotOurs is returned when the input URL's scheme does not match the
// synthetic httpss+ family; callers should fall back to treating the URL as
// a plain http(s) request.
var ErrNotOurs = errors.New("urlscheme: not a synthetic scheme")

// ErrTooFewProxies is returned when the URL has fewer path segments than
// the scheme's encoded proxy count plus one (for the inner target).
var ErrTooFewProxies = errors.New("urlscheme: too few proxies")

// ErrIncorrectProxySpecification is returned when a proxy authority token
// cannot be parsed into a valid endpoint.Endpoint.
var ErrIncorrectProxySpecification = errors.New("urlscheme: incorrect proxy specification")

var schemeRE = regexp.MustCompile(`(?i)^http(s{2,4})$`)

// ParsedChain is the result of decoding a synthetic-scheme URL: an ordered
// proxy chain and the inner request URL, reprefixed with "https://".
type ParsedChain struct {
	Proxies  []endpoint.Endpoint
	InnerURL *url.URL
}

// Parse decodes rawURL. If rawURL's scheme is not one of the synthetic
// httpss+ schemes, Parse returns ErrNotOurs (not a parse error) so that
// adapters can bypass this decoder and handle the URL themselves.
func Parse(rawURL string) (*ParsedChain, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOurs, err)
	}
	m := schemeRE.FindStringSubmatch(u.Scheme)
	if m == nil {
		return nil, ErrNotOurs
	}
	proxyCount := len(m[1]) - 1 // one "s" is the baseline "https"

	rest := strings.TrimPrefix(rawURL, u.Scheme+"://")
	segments := strings.Split(rest, "/")
	if len(segments) < proxyCount+1 {
		return nil, ErrTooFewProxies
	}

	proxies := make([]endpoint.Endpoint, 0, proxyCount)
	for i := 0; i < proxyCount; i++ {
		ep, err := parseProxyAuthority(segments[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrIncorrectProxySpecification, err)
		}
		proxies = append(proxies, ep)
	}

	innerRaw := strings.Join(segments[proxyCount:], "/")
	innerURL, err := url.Parse("https://" + innerRaw)
	if err != nil {
		return nil, fmt.Errorf("urlscheme: invalid inner URL: %w", err)
	}
	if innerURL.Path == "" {
		innerURL.Path = "/"
	}

	return &ParsedChain{Proxies: proxies, InnerURL: innerURL}, nil
}

// parseProxyAuthority parses a single "host[:port]" token into an
// endpoint.Endpoint. A port that is not a pure integer between 1 and 65535
// is treated as part of the host rather than as a port; the port then
// defaults to 443.
func parseProxyAuthority(token string) (endpoint.Endpoint, error) {
	host := token
	port := uint16(443)

	if idx := strings.LastIndexByte(token, ':'); idx >= 0 && !danglingIPv6(token, idx) {
		maybePort := token[idx+1:]
		if n, err := strconv.Atoi(maybePort); err == nil && n >= 1 && n <= 65535 {
			host = token[:idx]
			port = uint16(n)
		}
	}
	return endpoint.New(host, port)
}

// danglingIPv6 reports whether idx falls inside a bracketed IPv6 literal
// (so the colon found there is not a host:port separator).
func danglingIPv6(token string, idx int) bool {
	if !strings.HasPrefix(token, "[") {
		return false
	}
	closeIdx := strings.IndexByte(token, ']')
	return closeIdx < 0 || idx <= closeIdx
}
