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

package tlslayer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistnet/httpss/pinning"
	"github.com/mistnet/httpss/pstream"
)

func selfSignedServerCert(t *testing.T, dnsName string) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: dnsName},
		DNSNames:              []string{dnsName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return cert, der
}

func TestSessionHandshakeAndReadWithMatchingPin(t *testing.T) {
	cert, der := selfSignedServerCert(t, "test.local")
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverDone := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := srv.Handshake(); err != nil {
			serverDone <- err
			return
		}
		_, err := srv.Write([]byte("hello from server"))
		serverDone <- err
	}()

	loop := pstream.NewLoop()
	defer loop.Close()

	lower := pstream.WrapConn(clientConn)
	lower.Schedule(loop)

	pinner := pinning.New(map[string][][]byte{"test.local": {der}})
	sess := New(lower, Config{ServerName: "test.local", Pinner: pinner})

	opened := make(chan struct{}, 1)
	var gotBytes bool
	bytesCh := make(chan struct{}, 1)
	sess.SetDelegate(pstream.DelegateFuncs{
		OpenCompleted: func() { opened <- struct{}{} },
		HasBytesAvailable: func() {
			gotBytes = true
			select {
			case bytesCh <- struct{}{}:
			default:
			}
		},
	})
	sess.Schedule(loop)

	require.NoError(t, sess.Open())

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake completion")
	}
	assert.Equal(t, StateConnected, sess.State())

	select {
	case <-bytesCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bytes from server")
	}
	assert.True(t, gotBytes)

	out, err := sess.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello from server", string(out))

	require.NoError(t, <-serverDone)
}

func TestSessionHandshakeFailsOnPinMismatch(t *testing.T) {
	cert, _ := selfSignedServerCert(t, "test.local")
	otherDER := []byte{1, 2, 3, 4}
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		srv := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
		srv.Handshake()
	}()

	loop := pstream.NewLoop()
	defer loop.Close()

	lower := pstream.WrapConn(clientConn)
	lower.Schedule(loop)

	pinner := pinning.New(map[string][][]byte{"test.local": {otherDER}})
	sess := New(lower, Config{ServerName: "test.local", Pinner: pinner})

	errCh := make(chan error, 1)
	sess.SetDelegate(pstream.DelegateFuncs{
		ErrorOccurred: func(err error) { errCh <- err },
	})
	sess.Schedule(loop)

	require.NoError(t, sess.Open())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake failure")
	}
	assert.Equal(t, StateAborted, sess.State())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	cert, der := selfSignedServerCert(t, "test.local")
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		srv := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
		srv.Handshake()
	}()

	loop := pstream.NewLoop()
	defer loop.Close()

	lower := pstream.WrapConn(clientConn)
	lower.Schedule(loop)
	pinner := pinning.New(map[string][][]byte{"test.local": {der}})
	sess := New(lower, Config{ServerName: "test.local", Pinner: pinner})

	opened := make(chan struct{}, 1)
	sess.SetDelegate(pstream.DelegateFuncs{OpenCompleted: func() { opened <- struct{}{} }})
	sess.Schedule(loop)
	require.NoError(t, sess.Open())

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake completion")
	}

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}
