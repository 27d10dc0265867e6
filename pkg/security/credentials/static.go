package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// StaticProvider provides credentials from a static value.
// Use it for development and tests only.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider creates a provider with a static token. A positive
// ttl makes the credentials expire.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	var expiresAt *time.Time
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		expiresAt = &exp
	}
	return &StaticProvider{creds: &Credentials{
		Type:      CredentialTypeToken,
		Token:     token,
		ExpiresAt: expiresAt,
	}}
}

// NewStaticUserPasswordProvider creates a provider with static username/password
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     user,
		Password: password,
	}}
}

// GetCredentials returns the static credentials
func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

// Close is a no-op.
func (p *StaticProvider) Close() error {
	return nil
}

// envCredentials is read with caarlos0/env under a caller-chosen prefix, so
// EVENTFLOW_BROKER_USER / EVENTFLOW_BROKER_PASSWORD / EVENTFLOW_BROKER_TOKEN
// for the prefix "EVENTFLOW_BROKER_".
type envCredentials struct {
	Token    string `env:"TOKEN"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
}

// EnvProvider reads credentials from environment variables on every call,
// so rotated values are picked up without a restart.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider reading <prefix>TOKEN, <prefix>USER and
// <prefix>PASSWORD. A token wins over user/password when both are set.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// GetCredentials reads credentials from environment variables
func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var vars envCredentials
	if err := env.ParseWithOptions(&vars, env.Options{Prefix: p.prefix}); err != nil {
		return nil, fmt.Errorf("read credentials from environment: %w", err)
	}

	switch {
	case vars.Token != "":
		return &Credentials{Type: CredentialTypeToken, Token: vars.Token}, nil
	case vars.User != "" && vars.Password != "":
		return &Credentials{Type: CredentialTypeUserPassword, User: vars.User, Password: vars.Password}, nil
	default:
		return nil, fmt.Errorf("%w: set %sTOKEN or %sUSER and %sPASSWORD",
			ErrInvalidCredentials, p.prefix, p.prefix, p.prefix)
	}
}

// Close is a no-op.
func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider tries multiple providers in order until one succeeds.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider creates a provider that chains multiple providers
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// GetCredentials tries each provider in order
func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if len(p.providers) == 0 {
		return nil, errors.New("no providers configured")
	}

	var errs []error
	for i, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Close closes all providers
func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		errs = append(errs, provider.Close())
	}
	return errors.Join(errs...)
}
