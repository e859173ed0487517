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

package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse splits "host:port" into an Endpoint, honoring bracketed IPv6
// literals. It is the inverse of Endpoint.String for any Endpoint produced
// by New.
func Parse(hostport string) (Endpoint, error) {
	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidEndpoint, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
	}
	return New(host, uint16(port))
}

// splitHostPort splits "host:port" or "[host]:port" into host and port,
// without requiring net.SplitHostPort's stricter validation of the port
// grammar (which rejects empty ports outright rather than letting the
// caller report ErrInvalidEndpoint uniformly).
func splitHostPort(hostport string) (host, port string, err error) {
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", fmt.Errorf("missing closing ']' in %q", hostport)
		}
		host = hostport[:end+1]
		rest := hostport[end+1:]
		if rest == "" {
			return "", "", fmt.Errorf("missing port in %q", hostport)
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("unexpected trailer %q after IPv6 literal", rest)
		}
		return host, rest[1:], nil
	}
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}
