package storagekit

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"

	"github.com/gobeaver/storagekit/fspath"
)

type Config struct {
	// Connection string of the root backend
	Connection string `env:"STORAGEKIT_CONNECTION,default:memory"`

	// Whitespace separated /prefix/=connection pairs mounted over the root
	Mounts string `env:"STORAGEKIT_MOUNTS"`

	// Read cache; disabled when empty
	CacheConnection    string `env:"STORAGEKIT_CACHE_CONNECTION"`
	CacheMaxAgeSeconds int    `env:"STORAGEKIT_CACHE_MAX_AGE_SECONDS,default:3600"`

	// Base64 of a 32-byte key; file content is encrypted below the cache
	EncryptionKey string `env:"STORAGEKIT_ENCRYPTION_KEY"`

	LogLevel  string `env:"STORAGEKIT_LOG_LEVEL,default:info"`
	LogFormat string `env:"STORAGEKIT_LOG_FORMAT,default:json"` // json or console

	HTTPRetries int `env:"STORAGEKIT_HTTP_RETRIES,default:2"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads config from environment variables carrying prefix
// instead of the default one.
func LoadConfig(prefix string) (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CacheMaxAge returns CacheMaxAgeSeconds as a duration.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeSeconds) * time.Second
}

// EncryptionKeyBytes decodes EncryptionKey. It returns nil when encryption
// is off.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key: %v", ErrInvalidArgument, err)
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("%w: encryption key must decode to %d bytes", ErrInvalidArgument, encryptionKeySize)
	}
	return key, nil
}

// MountPoints parses Mounts into prefix to connection string pairs, in the
// order given.
func (c *Config) MountPoints() ([]ConfiguredMount, error) {
	var mounts []ConfiguredMount
	for _, pair := range strings.Fields(c.Mounts) {
		prefix, conn, ok := strings.Cut(pair, "=")
		if !ok || prefix == "" || conn == "" {
			return nil, fmt.Errorf("%w: mount %q: want /prefix/=connection", ErrInvalidArgument, pair)
		}
		mounts = append(mounts, ConfiguredMount{
			Prefix:     fspath.New(prefix).WithTrailingSlash(),
			Connection: conn,
		})
	}
	return mounts, nil
}

// ConfiguredMount is one entry of Config.Mounts.
type ConfiguredMount struct {
	Prefix     fspath.Path
	Connection string
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Connection) == "" {
		return fmt.Errorf("%w: connection is required", ErrInvalidArgument)
	}
	if cfg.CacheMaxAgeSeconds < 0 {
		return fmt.Errorf("%w: cache max age cannot be negative", ErrInvalidArgument)
	}
	if cfg.HTTPRetries < 0 {
		return fmt.Errorf("%w: http retries cannot be negative", ErrInvalidArgument)
	}
	if _, err := cfg.EncryptionKeyBytes(); err != nil {
		return err
	}
	_, err := cfg.MountPoints()
	return err
}
