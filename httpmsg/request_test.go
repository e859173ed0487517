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
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistnet/httpss/endpoint"
)

func TestComposeHead(t *testing.T) {
	u, err := url.Parse("https://example.com/")
	require.NoError(t, err)
	req := NewRequest("HEAD", u)
	require.NoError(t, req.Headers.Add("X-Test", "foobar"))
	require.NoError(t, req.Headers.Add("X-Foo", "Bar"))

	out, err := req.Compose()
	require.NoError(t, err)
	assert.Equal(t, "HEAD / HTTP/1.1\r\nX-Test: foobar\r\nHost: example.com\r\nX-Foo: Bar\r\n\r\n", string(out))
}

func TestComposeConnectViaProxy(t *testing.T) {
	target, err := endpoint.New("example.com", 80)
	require.NoError(t, err)
	proxy, err := endpoint.New("localhost", 8888)
	require.NoError(t, err)

	headers := NewHeaders([2]string{"X-Test", "foobar"}, [2]string{"X-Foo", "Bar"})
	req := NewConnectRequest(target, proxy, headers)

	out, err := req.Compose()
	require.NoError(t, err)
	assert.Equal(t, "CONNECT example.com:80 HTTP/1.1\r\nX-Test: foobar\r\nHost: localhost\r\nX-Foo: Bar\r\n\r\n", string(out))
}

func TestComposeInjectsContentLength(t *testing.T) {
	u, err := url.Parse("https://example.com/submit")
	require.NoError(t, err)
	req := NewRequest("POST", u)
	req.Body = []byte("hello world")

	out, err := req.Compose()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Content-Length: 11\r\n")
	assert.Contains(t, string(out), "Host: example.com\r\n")
}

func TestComposeRespectsExplicitHost(t *testing.T) {
	u, err := url.Parse("https://example.com/")
	require.NoError(t, err)
	req := NewRequest("GET", u)
	require.NoError(t, req.Headers.Add("Host", "override.example"))

	out, err := req.Compose()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Host: override.example\r\n")
	assert.NotContains(t, string(out), "Host: example.com\r\n")
}

func TestValidateRejectsConnectWithoutOptions(t *testing.T) {
	u, err := url.Parse("https://proxy.example/")
	require.NoError(t, err)
	req := NewRequest("CONNECT", u)
	_, err = req.Compose()
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidateRejectsHeadWithBody(t *testing.T) {
	u, err := url.Parse("https://example.com/")
	require.NoError(t, err)
	req := NewRequest("HEAD", u)
	req.Body = []byte("not allowed")
	_, err = req.Compose()
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidateRejectsFileURL(t *testing.T) {
	u, err := url.Parse("file:///etc/passwd")
	require.NoError(t, err)
	req := NewRequest("GET", u)
	_, err = req.Compose()
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
