// Package keymanager holds the signing keys credentials are issued with.
package keymanager

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"policy-engine/internal/credentials"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type UserKeys struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GetSigner returns the sign function the credential service consumes.
func (u UserKeys) GetSigner() credentials.SignFn {
	return func(payload []byte) ([]byte, error) {
		if len(u.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("the private key is not usable")
		}
		return ed25519.Sign(u.PrivateKey, payload), nil
	}
}

type KeyManager struct {
	logger   *zap.Logger
	keyCache *cache.Cache
}

func NewKeyManager(logger *zap.Logger) KeyManager {
	return KeyManager{
		logger:   logger,
		keyCache: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func (k KeyManager) GenerateKeys() (UserKeys, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return UserKeys{}, errors.New("failed to generate the keys: " + err.Error())
	}

	keys := UserKeys{PublicKey: public, PrivateKey: private}
	k.keyCache.SetDefault(hex.EncodeToString(public), hex.EncodeToString(private.Seed()))

	return keys, nil
}

// LoadKeys rebuilds a key pair from a hex-encoded ed25519 seed.
func (k KeyManager) LoadKeys(seedHex string) (UserKeys, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return UserKeys{}, errors.New("the key seed is not valid hex: " + err.Error())
	}
	if len(seed) != ed25519.SeedSize {
		return UserKeys{}, errors.New("the key seed has a wrong length")
	}

	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)
	keys := UserKeys{PublicKey: public, PrivateKey: private}
	k.keyCache.SetDefault(hex.EncodeToString(public), seedHex)

	return keys, nil
}

// GetPrivateKey returns the cached seed of a known public key, empty when
// the key was not issued by this manager.
func (k KeyManager) GetPrivateKey(publicKey string) string {
	private, ok := k.keyCache.Get(publicKey)
	if !ok {
		return ""
	}

	return private.(string)
}
