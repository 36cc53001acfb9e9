package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched session is reused.
const DefaultTTL = 5 * time.Second

// Config holds configuration for a Cache.
type Config struct {
	// TTL is how long a fetched session is served from memory.
	TTL time.Duration

	// Clock returns the current time.
	Clock func() time.Time

	// Logger for cache activity.
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:    DefaultTTL,
		Clock:  time.Now,
		Logger: logrus.StandardLogger(),
	}
}

// Cache memoizes the current session.
//
// Concurrent callers that miss the cache share one in-flight fetch. A fetch
// failing with ErrInvalidRefreshToken signs the device out locally; any other
// failure is reported as "no session" and not retried.
type Cache struct {
	provider Provider
	config   *Config
	logger   logrus.FieldLogger

	group singleflight.Group

	mu        sync.Mutex
	session   *Session
	fetchedAt time.Time
	valid     bool
	gen       uint64
}

// NewCache creates a cache in front of provider. A nil config uses
// DefaultConfig.
func NewCache(provider Provider, config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Cache{
		provider: provider,
		config:   config,
		logger:   config.Logger.WithField("component", "auth"),
	}
}

const flightKey = "session"

// GetSession returns the current session, or nil when there is none.
func (c *Cache) GetSession(ctx context.Context) *Session {
	if s, _, ok := c.cached(); ok {
		return s
	}

	// The fetch is shared, so it must not die with the first caller.
	fetchCtx := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do(flightKey, func() (any, error) {
		s, gen, ok := c.cached()
		if ok {
			return s, nil
		}
		return c.fetch(fetchCtx, gen), nil
	})
	return v.(*Session)
}

func (c *Cache) cached() (*Session, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.config.Clock().Sub(c.fetchedAt) < c.config.TTL {
		return c.session, c.gen, true
	}
	return nil, c.gen, false
}

func (c *Cache) fetch(ctx context.Context, gen uint64) *Session {
	session, err := c.provider.FetchSession(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			c.logger.Warnf("Warning: refresh token rejected, signing out: %v", err)
			c.InvalidateCache()
			if err := c.provider.SignOut(ctx, ScopeLocal); err != nil {
				c.logger.Warnf("Warning: failed to clear local credentials: %v", err)
			}
			return nil
		}
		c.logger.Debugf("session fetch failed: %v", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.session = session
		c.fetchedAt = c.config.Clock()
		c.valid = true
	}
	return session
}

// IsAuthenticated reports whether a session is available.
func (c *Cache) IsAuthenticated(ctx context.Context) bool {
	return c.GetSession(ctx) != nil
}

// UserID returns the current user's id, or "" when signed out.
func (c *Cache) UserID(ctx context.Context) string {
	if s := c.GetSession(ctx); s != nil {
		return s.UserID
	}
	return ""
}

// InvalidateCache drops the memoized session. A fetch already in flight
// still completes for its callers but its result is not cached.
func (c *Cache) InvalidateCache() {
	c.mu.Lock()
	c.session = nil
	c.valid = false
	c.gen++
	c.mu.Unlock()
	c.group.Forget(flightKey)
}

// SignIn signs in through the provider and invalidates the cache.
func (c *Cache) SignIn(ctx context.Context, email, password string) (*Session, error) {
	signer, ok := c.provider.(PasswordSigner)
	if !ok {
		return nil, &AuthError{Op: "sign in", Err: ErrNotSupported}
	}
	defer c.InvalidateCache()
	return signer.SignIn(ctx, email, password)
}

// SignOut signs out through the provider and invalidates the cache.
func (c *Cache) SignOut(ctx context.Context, scope SignOutScope) error {
	defer c.InvalidateCache()
	return c.provider.SignOut(ctx, scope)
}

// AccessToken returns the bearer token of the current session, for use as a
// remote store token source.
func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	s := c.GetSession(ctx)
	if s == nil {
		return "", &AuthError{Op: "access token", Err: ErrUnauthorized}
	}
	return s.AccessToken, nil
}
