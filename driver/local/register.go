package local

import (
	"context"

	"github.com/gobeaver/storagekit"
)

// Connection string: disk://path=/var/data
func init() {
	factory := func(_ context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (storagekit.Storage, error) {
		root, err := cs.Required("path")
		if err != nil {
			return nil, err
		}
		return New(root, WithLogger(o.Logger))
	}
	storagekit.Register("disk", factory)
	storagekit.Register("local", factory)
}
