package memory

import (
	"context"

	"github.com/gobeaver/storagekit"
)

// Connection string: memory or memory://maxSize=1048576
func init() {
	storagekit.Register("memory", func(_ context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (storagekit.Storage, error) {
		maxSize, err := cs.Int64("maxSize", 0)
		if err != nil {
			return nil, err
		}
		return New(Config{MaxSize: maxSize, Logger: o.Logger}), nil
	})
}
