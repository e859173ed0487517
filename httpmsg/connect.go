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
	"fmt"
	"net/url"

	"github.com/mistnet/httpss/endpoint"
)

// NewConnectRequest builds the CONNECT request sent to proxy to establish a
// tunnel to target. Its URL is synthesized from proxy so that Host-injection
// (see Request.Compose) carries proxy's bare host (no port); its Options
// carries "target.Host():target.Port()", the authority-form request-target
// a CONNECT line requires. extraHeaders, if non-nil, are copied in as the
// request's initial headers before Host injection.
func NewConnectRequest(target, proxy endpoint.Endpoint, extraHeaders *Headers) *Request {
	headers := &Headers{}
	if extraHeaders != nil {
		headers = extraHeaders.Clone()
	}
	return &Request{
		Method:  "CONNECT",
		URL:     &url.URL{Scheme: "https", Host: proxy.Host()},
		Headers: headers,
		Options: fmt.Sprintf("%s:%d", target.Host(), target.Port()),
	}
}
