// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"golang.org/x/crypto/hkdf"
)

const certCommonName = "familyvault-psk"

// deriveCertificate builds a self-signed ed25519 certificate whose key
// pair is deterministically derived from psk via HKDF, so that every
// device holding the same family secret derives byte-identical
// certificates without ever exchanging them. Go's crypto/tls has no
// external-PSK API (TLS 1.3 PSK support in stdlib covers only session
// resumption, not out-of-band shared secrets), so authentication is
// instead anchored on both sides presenting this identical certificate —
// the same "prove possession of the secret" property a real PSK cipher
// suite provides.
func deriveCertificate(psk []byte) (tls.Certificate, error) {
	seedReader := hkdf.New(sha256.New, psk, []byte("familyvault-psk-cert-v1"), []byte("ed25519-seed"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(seedReader, seed); err != nil {
		return tls.Certificate{}, ferrors.Wrap(ferrors.Internal, err, "deriving certificate seed")
	}
	priv := ed25519.NewKeyFromSeed(seed)

	serialReader := hkdf.New(sha256.New, psk, []byte("familyvault-psk-cert-v1"), []byte("serial"))
	serialBytes := make([]byte, 8)
	if _, err := io.ReadFull(serialReader, serialBytes); err != nil {
		return tls.Certificate{}, ferrors.Wrap(ferrors.Internal, err, "deriving certificate serial")
	}

	template := x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(serialBytes),
		Subject:      pkix.Name{CommonName: certCommonName},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(deterministicReader{seed}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, ferrors.Wrap(ferrors.Internal, err, "creating derived certificate")
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// deterministicReader feeds x509.CreateCertificate's internal randomness
// requirements (used for signing nonces, not key material) from a fixed
// seed so certificate generation is reproducible across devices. ed25519
// signing is itself deterministic; this reader exists only to satisfy
// the io.Reader parameter x509.CreateCertificate requires.
type deterministicReader struct {
	seed []byte
}

func (d deterministicReader) Read(p []byte) (int, error) {
	n := copy(p, bytes.Repeat(d.seed, len(p)/len(d.seed)+1))
	return n, nil
}

// verifyPeerPresentedExpectedCertificate checks the peer's leaf
// certificate is byte-identical to the one this device derived from the
// same PSK — the handshake's actual authentication step.
func verifyPeerPresentedExpectedCertificate(state tls.ConnectionState, expected tls.Certificate) error {
	if len(state.PeerCertificates) == 0 {
		return ferrors.New(ferrors.AuthFailed, "peer presented no certificate")
	}
	if len(expected.Certificate) == 0 {
		return ferrors.New(ferrors.Internal, "no local derived certificate to compare against")
	}
	if !bytes.Equal(state.PeerCertificates[0].Raw, expected.Certificate[0]) {
		return ferrors.New(ferrors.AuthFailed, "peer certificate does not match derived family certificate")
	}
	return nil
}
