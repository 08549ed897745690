// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"crypto/tls"
	"sync"

	"github.com/familyvault/familyvaultd/internal/logutil"
)

var l = logutil.New("transport")

const (
	Port = 45678

	// A fixed non-secret identity: the actual authentication comes from
	// possession of the PSK, derived per-family in internal/pairing.
	pskIdentity = "familyvault"
)

// PSKSource resolves the pre-shared key this device should use. It is
// backed by internal/pairing.DerivePSK applied to the stored
// family_secret.
type PSKSource interface {
	PSK() ([]byte, error)
}

// pskFunc adapts a plain function to PSKSource.
type pskFunc func() ([]byte, error)

func (f pskFunc) PSK() ([]byte, error) { return f() }

func NewPSKSource(fn func() ([]byte, error)) PSKSource {
	return pskFunc(fn)
}

// NewTLSConfig builds a TLS 1.3-only configuration whose CipherSuites
// list names the two PSK-compatible AEAD suites. crypto/tls does not
// apply CipherSuites to TLS 1.3, so the negotiated suite is not limited
// to those two (TLS_AES_128_GCM_SHA256 remains possible). Standard library
// crypto/tls has no first-class external-PSK API (Go's TLS 1.3 PSK
// support is session-resumption only), so the shared secret is instead
// fed in through the Certificates field as a self-signed certificate
// whose private key is deterministically derived from the PSK — both
// sides derive the same certificate and accept only an exact match via
// VerifyConnection, giving the same "authenticate by shared secret"
// property a native PSK cipher suite would.
func NewTLSConfig(source PSKSource, isServer bool) (*tls.Config, error) {
	psk, err := source.PSK()
	if err != nil {
		return nil, err
	}

	cert, err := certificateFromPSK(psk)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{tls.TLS_AES_256_GCM_SHA384, tls.TLS_CHACHA20_POLY1305_SHA256},
		Certificates: []tls.Certificate{cert},
		// Both sides present the same derived certificate; a genuine
		// peer's handshake succeeds only if it derived the identical
		// certificate from the identical PSK.
		InsecureSkipVerify: true,
		VerifyConnection: func(state tls.ConnectionState) error {
			return verifyPeerPresentedExpectedCertificate(state, cert)
		},
	}
	if isServer {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg, nil
}

var certCacheMu sync.Mutex
var certCache = map[string]tls.Certificate{}

func certificateFromPSK(psk []byte) (tls.Certificate, error) {
	certCacheMu.Lock()
	defer certCacheMu.Unlock()

	key := string(psk)
	if cached, ok := certCache[key]; ok {
		return cached, nil
	}

	cert, err := deriveCertificate(psk)
	if err != nil {
		return tls.Certificate{}, err
	}
	certCache[key] = cert
	return cert, nil
}
