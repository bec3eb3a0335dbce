package storagekit

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/gobeaver/storagekit/fspath"
)

func BenchmarkStorage(b *testing.B) {
	registerMock(b, "mockbench")
	content := strings.Repeat("Hello, World! ", 100) // ~1.4KB of content
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	configs := map[string]*Config{
		"basic": {
			Connection: "mockbench://name=root",
		},
		"with_mounts": {
			Connection: "mockbench://name=root",
			Mounts:     "/data/=mockbench://name=data",
		},
		"with_encryption": {
			Connection:    "mockbench://name=root",
			EncryptionKey: key,
		},
		"with_cache": {
			Connection:      "mockbench://name=root",
			CacheConnection: "mockbench://name=cache",
		},
		"with_all": {
			Connection:      "mockbench://name=root",
			Mounts:          "/data/=mockbench://name=data",
			EncryptionKey:   key,
			CacheConnection: "mockbench://name=cache",
		},
	}

	for name, cfg := range configs {
		b.Run(name, func(b *testing.B) {
			cfg.LogLevel = "error"
			ctx := context.Background()
			s, err := New(ctx, cfg)
			if err != nil {
				b.Fatalf("Failed to create storage: %v", err)
			}
			p := fspath.New("/data/bench.txt")

			b.Run("write", func(b *testing.B) {
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if err := WriteText(ctx, s, p, content); err != nil {
						b.Fatalf("Write failed: %v", err)
					}
				}
			})

			b.Run("read", func(b *testing.B) {
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, _, err := ReadText(ctx, s, p); err != nil {
						b.Fatalf("Read failed: %v", err)
					}
				}
			})

			b.Run("exists", func(b *testing.B) {
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := Exists(ctx, s, p); err != nil {
						b.Fatalf("Exists failed: %v", err)
					}
				}
			})

			b.Run("stat", func(b *testing.B) {
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := s.Stat(ctx, p); err != nil {
						b.Fatalf("Stat failed: %v", err)
					}
				}
			})

			_ = s.Rm(ctx, p, false)
		})
	}
}

func BenchmarkConfigLoading(b *testing.B) {
	b.Setenv("BEAVER_STORAGEKIT_CONNECTION", "disk://path=/tmp/bench")
	b.Setenv("BEAVER_STORAGEKIT_CACHE_CONNECTION", "memory")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := GetConfig(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseConnectionString(b *testing.B) {
	const conn = "s3://bucket=b;region=eu-west-1;keyId=AKIA;key=c2VjcmV0%2Bkey;endpoint=http%3A%2F%2Flocalhost%3A9000"
	for i := 0; i < b.N; i++ {
		if _, err := ParseConnectionString(conn); err != nil {
			b.Fatal(err)
		}
	}
}
