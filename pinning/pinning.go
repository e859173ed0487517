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

// Package pinning implements certificate pinning as a predicate consumed by
// tlslayer's tls.Config.VerifyConnection callback, grounded on the same
// VerifyConnection shape outline-sdk's transport/tls package uses for
// hostname-based chain validation.
package pinning

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrPinMismatch is returned by Verify when the peer's leaf certificate
// does not match any pinned leaf configured for the host.
var ErrPinMismatch = errors.New("pinning: leaf certificate does not match any pinned certificate")

// Pinner holds an immutable table of pinned leaf certificates (DER-encoded),
// keyed by host, each host accepting one or more pins (a SUPPLEMENTED
// extension over a single fixed pin, to tolerate key-rotation windows).
// Pinner stores no state beyond this table; it is safe for concurrent use
// and shareable read-only across requests.
type Pinner struct {
	pins map[string][][]byte
}

// New builds a Pinner from a host → DER leaf pins table. The map and its
// slices are copied defensively; subsequent mutation of the caller's map
// does not affect the Pinner.
func New(pins map[string][][]byte) *Pinner {
	p := &Pinner{pins: make(map[string][][]byte, len(pins))}
	for host, ders := range pins {
		cp := make([][]byte, len(ders))
		for i, d := range ders {
			cp[i] = append([]byte(nil), d...)
		}
		p.pins[host] = cp
	}
	return p
}

// HasPin reports whether host has at least one pinned certificate
// configured. A host without a pin uses platform-default verification
// (spec §4.6: "a host without a pinned certificate yields a null pinner").
func (p *Pinner) HasPin(host string) bool {
	if p == nil {
		return false
	}
	return len(p.pins[host]) > 0
}

// Verify checks cs's leaf certificate against the pins configured for host.
// It must only be invoked for server-trust evaluation; client-certificate
// challenges are out of scope and should defer to platform defaults instead
// of calling Verify at all.
func (p *Pinner) Verify(host string, cs tls.ConnectionState) error {
	pins := p.pins[host]
	if len(pins) == 0 {
		return nil
	}
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("pinning: no peer certificates presented for %q", host)
	}
	leaf := cs.PeerCertificates[0].Raw
	for _, pin := range pins {
		if bytes.Equal(leaf, pin) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q", ErrPinMismatch, host)
}

// VerifyConnection builds a tls.Config.VerifyConnection callback bound to
// host that runs Verify: a byte-exact leaf match against host's pins. It
// does not run x509 chain validation; for a pinned host, tlslayer uses the
// pin comparison in place of VerifyChain, so a pinned leaf is accepted
// even when it does not chain to a trusted root.
func (p *Pinner) VerifyConnection(host string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		return p.Verify(host, cs)
	}
}

// VerifyChain runs standard x509 chain validation against the connection
// state, for hosts with no pin configured but where certificate-name
// validation should still run under InsecureSkipVerify.
func VerifyChain(certName string, cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("pinning: no peer certificates presented")
	}
	opts := x509.VerifyOptions{
		DNSName:       certName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}
