package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

// Keyring reads the token from the OS credential store.
type Keyring struct {
	ring keyring.Keyring
	key  string
}

// OpenKeyring opens the platform keyring for service, falling back to an
// encrypted file store under fileDir.
func OpenKeyring(service, key, fileDir string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyring(ring, key), nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring, key string) *Keyring {
	return &Keyring{ring: ring, key: key}
}

func (k *Keyring) AccessToken() (string, error) {
	item, err := k.ring.Get(k.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("getting credential %q: %w", k.key, err)
	}
	token := strings.TrimSpace(string(item.Data))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Store saves token under the provider's key.
func (k *Keyring) Store(token string) error {
	if err := k.ring.Set(keyring.Item{Key: k.key, Data: []byte(token)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", k.key, err)
	}
	return nil
}

// Remove deletes the stored token.
func (k *Keyring) Remove() error {
	if err := k.ring.Remove(k.key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", k.key, err)
	}
	return nil
}
