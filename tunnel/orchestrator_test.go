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

package tunnel

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistnet/httpss/endpoint"
	"github.com/mistnet/httpss/httpmsg"
	"github.com/mistnet/httpss/pinning"
)

func selfSignedLeaf(t *testing.T, cn string) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, der
}

func drainUntilDoubleCRLF(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for !bytes.Contains(buf, []byte("\r\n\r\n")) {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// TestOrchestratorSingleHopNoProxy exercises the direct HTTPS path: one
// target, no CONNECT, a single TLS layer straight to the origin.
func TestOrchestratorSingleHopNoProxy(t *testing.T) {
	originCert, originDER := selfSignedLeaf(t, "origin.test")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		origin := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{originCert}})
		defer origin.Close()
		if err := origin.Handshake(); err != nil {
			return
		}
		if _, err := drainUntilDoubleCRLF(origin); err != nil {
			return
		}
		origin.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	origin := mustEndpoint(t, "127.0.0.1", portNum)
	pinner := pinning.New(map[string][][]byte{"127.0.0.1": {originDER}})

	orch := New([]endpoint.Endpoint{origin}, WithPinner(pinner))
	defer orch.Close()

	req := httpmsg.NewRequest("GET", &url.URL{Scheme: "https", Host: "127.0.0.1", Path: "/"})

	type result struct {
		resp *httpmsg.Response
		err  error
	}
	done := make(chan result, 1)
	require.NoError(t, orch.Issue(context.Background(), req, func(resp *httpmsg.Response, err error) {
		done <- result{resp, err}
	}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, uint16(200), r.resp.Status)
		assert.Equal(t, "hi", string(r.resp.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// TestOrchestratorOneProxyHop exercises the nested-tunnel path: a CONNECT
// through one proxy, then a second TLS layer to the origin tunneled inside
// the proxy's own TLS session — a real nested TLS handshake over a real
// socket, mirroring exactly what a 2-layer chain produces on the wire.
func TestOrchestratorOneProxyHop(t *testing.T) {
	proxyCert, proxyDER := selfSignedLeaf(t, "proxy.test")
	originCert, originDER := selfSignedLeaf(t, "origin.test")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		outer := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{proxyCert}})
		if err := outer.Handshake(); err != nil {
			return
		}
		if _, err := drainUntilDoubleCRLF(outer); err != nil {
			return
		}
		if _, err := outer.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return
		}

		inner := tls.Server(outer, &tls.Config{Certificates: []tls.Certificate{originCert}})
		defer inner.Close()
		if err := inner.Handshake(); err != nil {
			return
		}
		if _, err := drainUntilDoubleCRLF(inner); err != nil {
			return
		}
		inner.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	proxy := mustEndpoint(t, "127.0.0.1", portNum)
	origin := mustEndpoint(t, "origin.test", 443)

	pinner := pinning.New(map[string][][]byte{
		"127.0.0.1":   {proxyDER},
		"origin.test": {originDER},
	})

	orch := New([]endpoint.Endpoint{proxy, origin}, WithPinner(pinner))
	defer orch.Close()

	req := httpmsg.NewRequest("GET", &url.URL{Scheme: "https", Host: "origin.test", Path: "/"})

	type result struct {
		resp *httpmsg.Response
		err  error
	}
	done := make(chan result, 1)
	require.NoError(t, orch.Issue(context.Background(), req, func(resp *httpmsg.Response, err error) {
		done <- result{resp, err}
	}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, uint16(200), r.resp.Status)
		assert.Equal(t, "hi", string(r.resp.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestOrchestratorRejectsSecondIssueWhileInFlight(t *testing.T) {
	origin := mustEndpoint(t, "127.0.0.1", 1)
	orch := New([]endpoint.Endpoint{origin})
	defer orch.Close()

	req := httpmsg.NewRequest("GET", &url.URL{Scheme: "https", Host: "127.0.0.1", Path: "/"})
	done := make(chan struct{}, 1)
	err := orch.Issue(context.Background(), req, func(*httpmsg.Response, error) { done <- struct{}{} })
	require.NoError(t, err)

	err = orch.Issue(context.Background(), req, func(*httpmsg.Response, error) {})
	assert.ErrorIs(t, err, ErrRequestInFlight)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first request to fail and complete")
	}
}

func TestOrchestratorRejectsEmptyTargets(t *testing.T) {
	orch := New(nil)
	defer orch.Close()
	req := httpmsg.NewRequest("GET", &url.URL{Scheme: "https", Host: "x", Path: "/"})
	err := orch.Issue(context.Background(), req, func(*httpmsg.Response, error) {})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func mustEndpoint(t *testing.T, host string, port int) endpoint.Endpoint {
	t.Helper()
	e, err := endpoint.New(host, uint16(port))
	require.NoError(t, err)
	return e
}
