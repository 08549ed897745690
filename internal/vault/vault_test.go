package vault_test

import (
	"testing"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/vault"
	"github.com/stretchr/testify/require"
)

func TestStoreRetrieveRemove(t *testing.T) {
	v := vault.New(vault.NewMemoryBackend())
	require.NoError(t, v.Init())

	require.NoError(t, v.StoreString("family_secret", "shh"))
	got, err := v.RetrieveString("family_secret")
	require.NoError(t, err)
	require.Equal(t, "shh", got)

	exists, err := v.Exists("family_secret")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, v.Remove("family_secret"))
	exists, err = v.Exists("family_secret")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRetrieveMissingKeyIsNotFound(t *testing.T) {
	v := vault.New(vault.NewMemoryBackend())
	require.NoError(t, v.Init())

	_, err := v.Retrieve("nope")
	require.Error(t, err)
	require.Equal(t, ferrors.NotFound, ferrors.KindOf(err))
}

func TestUsingVaultBeforeInitFails(t *testing.T) {
	v := vault.New(vault.NewMemoryBackend())
	_, err := v.Retrieve("x")
	require.Error(t, err)
}

func TestFileBackendRoundTripsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	v1 := vault.New(vault.NewFileBackend(dir))
	require.NoError(t, v1.Init())
	require.NoError(t, v1.StoreString("pairing_pin_hash", "abc123"))

	v2 := vault.New(vault.NewFileBackend(dir))
	require.NoError(t, v2.Init())
	got, err := v2.RetrieveString("pairing_pin_hash")
	require.NoError(t, err)
	require.Equal(t, "abc123", got)
}
