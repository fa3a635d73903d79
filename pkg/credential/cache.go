package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CachedSource persists tokens from an underlying Source to a JSON file so
// a later run can skip the interactive login while the token is valid.
type CachedSource struct {
	mu     sync.Mutex
	path   string
	source Source

	// Skew is subtracted from the cached token's expiry. Defaults to
	// DefaultSkew.
	Skew time.Duration
	Now  func() time.Time
}

// NewCachedSource caches tokens of source at path.
func NewCachedSource(path string, source Source) *CachedSource {
	return &CachedSource{path: path, source: source, Skew: DefaultSkew, Now: time.Now}
}

// Token returns the cached token when it is still valid, and otherwise
// obtains and stores a new one. A corrupt cache file is ignored.
func (c *CachedSource) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok, err := c.load(); err == nil && tok.Valid(c.now(), c.Skew) {
		return tok, nil
	}
	tok, err := c.source.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	if err := c.save(tok); err != nil {
		return Token{}, fmt.Errorf("credential: save token cache: %w", err)
	}
	return tok, nil
}

// Invalidate removes the cached token.
func (c *CachedSource) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *CachedSource) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *CachedSource) load() (Token, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Token{}, err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (c *CachedSource) save(tok Token) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
