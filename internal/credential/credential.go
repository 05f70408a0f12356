// Package credential supplies the bearer token used to authenticate the push
// channel and the REST gateway. Providers are read-only from the caller's
// side; the token is owned by whatever writes the underlying source.
package credential

import (
	"errors"
	"os"
	"strings"
)

// ErrNoCredential is returned when no token is available.
var ErrNoCredential = errors.New("no access token available")

// Provider looks up the current access token. Implementations must not
// perform network calls.
type Provider interface {
	AccessToken() (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (string, error)

func (f ProviderFunc) AccessToken() (string, error) { return f() }

// Static always returns the same token.
type Static string

func (s Static) AccessToken() (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Env reads the token from an environment variable on every call.
type Env string

func (e Env) AccessToken() (string, error) {
	token := strings.TrimSpace(os.Getenv(string(e)))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}
