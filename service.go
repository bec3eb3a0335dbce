package storagekit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Builder creates storages from environment variables with a custom prefix
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// New loads the builder's config and assembles the storage.
func (b *Builder) New(ctx context.Context, opts ...OpenOption) (Storage, error) {
	cfg, err := LoadConfig(b.prefix)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// NewFromEnv creates a storage from environment variables (convenience constructor)
func NewFromEnv(ctx context.Context, opts ...OpenOption) (Storage, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// New assembles the root backend, any mounts over it and the read cache in
// front of both. Options given here take precedence over the logger and
// retry settings derived from cfg.
func New(ctx context.Context, cfg *Config, opts ...OpenOption) (Storage, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	opts = append([]OpenOption{WithLogger(logger), WithHTTPRetries(cfg.HTTPRetries)}, opts...)
	o := processOpenOptions(opts)

	var opened []Storage
	fail := func(err error) (Storage, error) {
		for _, s := range opened {
			if cerr := Close(s); cerr != nil {
				o.Logger.Warn("close after failed setup", zap.Error(cerr))
			}
		}
		return nil, err
	}

	root, err := Open(ctx, cfg.Connection, opts...)
	if err != nil {
		return nil, err
	}
	opened = append(opened, root)
	s := root

	mounts, _ := cfg.MountPoints()
	if len(mounts) > 0 {
		vfs := NewVirtualStorage(root, WithVirtualLogger(o.Logger))
		for _, m := range mounts {
			backend, err := Open(ctx, m.Connection, opts...)
			if err != nil {
				return fail(fmt.Errorf("mount %s: %w", m.Prefix, err))
			}
			opened = append(opened, backend)
			if err := vfs.Mount(m.Prefix, backend); err != nil {
				return fail(err)
			}
		}
		s = vfs
	}

	if key, _ := cfg.EncryptionKeyBytes(); key != nil {
		if s, err = NewEncryptedStorage(s, key); err != nil {
			return fail(err)
		}
	}

	if cfg.CacheConnection != "" {
		cache, err := Open(ctx, cfg.CacheConnection, opts...)
		if err != nil {
			return fail(fmt.Errorf("cache: %w", err))
		}
		s = NewCacheStorage(s, cache, cfg.CacheMaxAge(),
			WithCacheLogger(o.Logger),
			WithCacheMetrics(o.Metrics),
		)
	}

	o.Logger.Info("storage ready",
		zap.String("connection", redact(cfg.Connection)),
		zap.Int("mounts", len(mounts)),
		zap.Bool("cache", cfg.CacheConnection != ""),
		zap.Bool("encrypted", cfg.EncryptionKey != ""),
	)
	return s, nil
}

// redact keeps only the prefix of a connection string for logging.
func redact(connection string) string {
	cs, err := ParseConnectionString(connection)
	if err != nil {
		return "?"
	}
	return cs.Prefix
}
