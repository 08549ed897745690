package pairing_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/pairing"
	"github.com/familyvault/familyvaultd/internal/vault"
	"github.com/stretchr/testify/require"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	v := vault.New(vault.NewMemoryBackend())
	require.NoError(t, v.Init())
	return v
}

func TestEnsureDeviceIDIsStableAcrossCalls(t *testing.T) {
	m := pairing.NewManager(newVault(t))
	id1, err := m.EnsureDeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := m.EnsureDeviceID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestCreateFamilyProducesSixDigitPinAndPayload(t *testing.T) {
	m := pairing.NewManager(newVault(t))
	session, payload, err := m.CreateFamily("192.168.1.10", 45680)
	require.NoError(t, err)
	require.Len(t, session.PIN, 6)
	require.Equal(t, "192.168.1.10", payload.Host)
	require.Equal(t, 45680, payload.Port)
	require.NotEmpty(t, payload.Nonce)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), time.Unix(payload.Expires, 0), 5*time.Second)
}

func TestDerivePSKIsDeterministicFor32ByteOutput(t *testing.T) {
	secret := make([]byte, 32)
	psk1, err := pairing.DerivePSK(secret)
	require.NoError(t, err)
	require.Len(t, psk1, 32)

	psk2, err := pairing.DerivePSK(secret)
	require.NoError(t, err)
	require.Equal(t, psk1, psk2)
}

// TestJoinSucceedsWithCorrectPIN exercises the full handshake over a real
// TCP loopback connection: HandleIncoming on one side, Join on the other.
func TestJoinSucceedsWithCorrectPIN(t *testing.T) {
	initiator := pairing.NewManager(newVault(t))
	session, _, err := initiator.CreateFamily("127.0.0.1", 0)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		initiator.HandleIncoming(context.Background(), conn, "127.0.0.1")
	}()

	joiner := pairing.NewManager(newVault(t))
	result, err := joiner.Join(context.Background(), ln.Addr().String(), session.PIN)
	require.NoError(t, err)
	require.Equal(t, pairing.JoinSuccess, result)
}

func TestJoinFailsWithWrongPIN(t *testing.T) {
	initiator := pairing.NewManager(newVault(t))
	_, _, err := initiator.CreateFamily("127.0.0.1", 0)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		initiator.HandleIncoming(context.Background(), conn, "127.0.0.1")
	}()

	joiner := pairing.NewManager(newVault(t))
	result, err := joiner.Join(context.Background(), ln.Addr().String(), "000000")
	require.NoError(t, err)
	require.Equal(t, pairing.JoinInvalidPin, result)
}

func TestJoinRejectsWhenAlreadyConfigured(t *testing.T) {
	v := newVault(t)
	require.NoError(t, v.Store(pairing.VaultKeyFamilySecret, []byte("already-have-a-secret-32-bytes!")))
	m := pairing.NewManager(v)

	result, err := m.Join(context.Background(), "127.0.0.1:1", "123456")
	require.NoError(t, err)
	require.Equal(t, pairing.JoinAlreadyConfigured, result)
}
