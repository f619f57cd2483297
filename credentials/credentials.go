// Package credentials finds the access token of a storage backend.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/zalando/go-keyring"
)

// ErrNoToken is returned when no provider has a token.
var ErrNoToken = errors.New("no access token found")

// Provider ...
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static returns a fixed token, such as one read from the config.
type Static string

// Token ...
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// EnvProvider reads the token from an environment variable.
type EnvProvider struct {
	envRepo env.Repository
	key     string
}

// NewEnvProvider ...
func NewEnvProvider(envRepo env.Repository, key string) EnvProvider {
	return EnvProvider{envRepo: envRepo, key: key}
}

// Token ...
func (p EnvProvider) Token(context.Context) (string, error) {
	if token := p.envRepo.Get(p.key); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("%w in $%s", ErrNoToken, p.key)
}

// KeyringProvider reads the token from the OS keyring (Keychain, Secret Service, Credential Manager).
type KeyringProvider struct {
	Service string
	User    string
}

// Token ...
func (p KeyringProvider) Token(context.Context) (string, error) {
	token, err := keyring.Get(p.Service, p.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w in keyring %s/%s", ErrNoToken, p.Service, p.User)
	}
	if err != nil {
		return "", fmt.Errorf("read keyring %s/%s: %w", p.Service, p.User, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w in keyring %s/%s", ErrNoToken, p.Service, p.User)
	}
	return token, nil
}

// Chain asks the providers in order and returns the first token found. A
// provider failing with anything other than ErrNoToken stops the chain.
type Chain []Provider

// Token ...
func (c Chain) Token(ctx context.Context) (string, error) {
	for _, p := range c {
		token, err := p.Token(ctx)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNoToken) {
			return "", err
		}
	}
	return "", ErrNoToken
}
