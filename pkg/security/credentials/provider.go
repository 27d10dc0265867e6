// Package credentials resolves broker credentials from static values, the
// environment, or ciphertext sealed with a gocloud.dev secrets keeper.
//
//	provider, err := credentials.OpenKeeperProvider(ctx,
//	    "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=",
//	    credentials.FileSource("/etc/eventflow/broker.enc"))
//	creds, err := provider.GetCredentials(ctx)
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential
type CredentialType string

const (
	// CredentialTypeToken is a bearer token (NATS token auth).
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword is username/password (NATS user auth,
	// Kafka SASL/PLAIN, Redis ACL).
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials authenticate a bus adapter against its broker.
type Credentials struct {
	Type     CredentialType `json:"type"`
	Token    string         `json:"token,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`

	// ExpiresAt is optional.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired checks if the credentials have expired
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type
func (c *Credentials) Validate() error {
	switch c.Type {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// LogValue keeps secrets out of logs.
func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(c.Type)),
		slog.String("user", c.User),
		slog.Bool("has_secret", c.Token != "" || c.Password != ""),
	)
}

// Provider defines the interface for credential providers
type Provider interface {
	// GetCredentials retrieves the current credentials
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider
	Close() error
}

// Resolve returns nil credentials for a nil provider and validated, unexpired
// credentials otherwise. Bus adapters call it while connecting.
func Resolve(ctx context.Context, p Provider) (*Credentials, error) {
	if p == nil {
		return nil, nil
	}
	creds, err := p.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return creds, nil
}
