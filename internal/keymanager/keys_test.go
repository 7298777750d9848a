package keymanager_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"policy-engine/internal/keymanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerateKeys(t *testing.T) {
	manager := keymanager.NewKeyManager(zap.NewNop())

	keys, err := manager.GenerateKeys()
	require.NoError(t, err)
	assert.NotEmpty(t, keys.PrivateKey)
	assert.NotEmpty(t, keys.PublicKey)

	signature, err := keys.GetSigner()([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(keys.PublicKey, []byte("payload"), signature))

	seed := manager.GetPrivateKey(hex.EncodeToString(keys.PublicKey))
	assert.NotEmpty(t, seed, "the generated key is cached")
}

func TestLoadKeysRoundTrip(t *testing.T) {
	manager := keymanager.NewKeyManager(zap.NewNop())

	generated, err := manager.GenerateKeys()
	require.NoError(t, err)
	seed := manager.GetPrivateKey(hex.EncodeToString(generated.PublicKey))

	loaded, err := manager.LoadKeys(seed)
	require.NoError(t, err)
	assert.Equal(t, generated.PublicKey, loaded.PublicKey)

	_, err = manager.LoadKeys("not-hex")
	assert.Error(t, err)
}
