package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"
	// Cloud keepers are opt-in; import the driver in the binary:
	// _ "gocloud.dev/secrets/awskms"
	// _ "gocloud.dev/secrets/gcpkms"
	// _ "gocloud.dev/secrets/hashivault"
)

// SecretData is the plaintext sealed by Seal.
type SecretData struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Source returns the sealed ciphertext.
type Source func(ctx context.Context) ([]byte, error)

// FileSource reads the ciphertext from path on every load.
func FileSource(path string) Source {
	return func(context.Context) ([]byte, error) {
		return os.ReadFile(path)
	}
}

// BytesSource returns a fixed ciphertext.
func BytesSource(ciphertext []byte) Source {
	return func(context.Context) ([]byte, error) {
		return ciphertext, nil
	}
}

// KeeperOption configures a KeeperProvider.
type KeeperOption func(*KeeperProvider)

// WithCacheTTL sets how long decrypted credentials are reused. Default is
// 5 minutes; zero disables caching.
func WithCacheTTL(ttl time.Duration) KeeperOption {
	return func(p *KeeperProvider) {
		p.cacheTTL = ttl
	}
}

// KeeperProvider decrypts sealed credentials with a gocloud.dev keeper.
type KeeperProvider struct {
	keeper   *secrets.Keeper
	source   Source
	cacheTTL time.Duration
	now      func() time.Time

	mu          sync.Mutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool
	closeOnce   sync.Once
}

// NewKeeperProvider wraps an open keeper. The provider owns the keeper and
// closes it on Close.
func NewKeeperProvider(keeper *secrets.Keeper, source Source, opts ...KeeperOption) *KeeperProvider {
	p := &KeeperProvider{
		keeper:   keeper,
		source:   source,
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenKeeperProvider opens the keeper at url (e.g. "base64key://...",
// "awskms://...") and loads the credentials once to fail fast.
func OpenKeeperProvider(ctx context.Context, url string, source Source, opts ...KeeperOption) (*KeeperProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret keeper URL is required")
	}
	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}
	p := NewKeeperProvider(keeper, source, opts...)
	if _, err := p.GetCredentials(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// GetCredentials returns cached credentials or decrypts them again.
func (p *KeeperProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.cached == nil || !p.now().Before(p.cacheExpiry) {
		creds, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.cacheExpiry = p.now().Add(p.cacheTTL)
	}
	if p.cached.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

func (p *KeeperProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := p.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sealed credentials: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var data SecretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}
	return data.Credentials, nil
}

// Invalidate drops the cache so the next call decrypts again.
func (p *KeeperProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// Close releases the keeper.
func (p *KeeperProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		err = p.keeper.Close()
	})
	return err
}

// Seal encrypts creds with keeper. Write the result where a Source can
// read it.
func Seal(ctx context.Context, keeper *secrets.Keeper, creds *Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}
	return ciphertext, nil
}
