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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectEstablished(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.0 200 Connection Established\r\nProxy-agent: Apache\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, uint16(200), resp.Status)
	v, ok := resp.Headers.Get("Proxy-agent")
	assert.True(t, ok)
	assert.Equal(t, "Apache", v)
	assert.Empty(t, resp.Body)
}

func TestParsePostResponseWithVendorHeaders(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nServer: BaseHTTP/0.6 Python/3.6.0\r\nDate: Wed, 25 Jan 2017 13:00:00 GMT\r\n\r\n"
	resp, err := ParseResponse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, uint16(200), resp.Status)
	assert.Equal(t, 2, resp.Headers.Len())
	assert.Empty(t, resp.Body)
}

func TestParseBodyIsRawRemainder(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	resp, err := ParseResponse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Body)
}

func TestParseRejectsOutOfRangeStatus(t *testing.T) {
	_, err := ParseResponse([]byte("HTTP/1.1 999 Bizarre\r\n\r\n"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseRejectsIncompleteHeaders(t *testing.T) {
	_, err := ParseResponse([]byte("HTTP/1.1 200 OK\r\nProxy-agent: Apache"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseNonNumericStatusRejectedByDefault(t *testing.T) {
	_, err := ParseResponse([]byte("HTTP/1.1 OK Whatever\r\n\r\n"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseNonNumericStatusLenientFallsBackTo200(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 OK Whatever\r\n\r\n"), WithLenientStatus())
	require.NoError(t, err)
	assert.Equal(t, uint16(200), resp.Status)
}

func TestCategoryOf(t *testing.T) {
	cases := map[uint16]Category{
		100: CategoryInformal,
		200: CategorySuccess,
		301: CategoryRedirection,
		404: CategoryClientError,
		503: CategoryServerError,
	}
	for status, want := range cases {
		assert.Equal(t, want, CategoryOf(status))
	}
}
