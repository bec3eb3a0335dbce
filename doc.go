// Package storagekit addresses local disks, in-memory stores and remote object
// stores through one small interface and one canonical path type.
//
// A backend implements the five [Storage] primitives (Ls, OpenRead, OpenWrite,
// Rm, Stat) over [fspath.Path] values. Everything else is a package function
// built on those primitives, so any backend gets it for free.
//
// Absence is not an error: OpenRead and Stat return nil, nil for a missing
// path, and Rm of a missing path succeeds.
//
// # Backends
//
// Drivers live under driver/ and register a connection string prefix from
// their init function. Import the ones you need for their side effect:
//
//   - memory:// (github.com/gobeaver/storagekit/driver/memory)
//   - disk://path=/srv/data (github.com/gobeaver/storagekit/driver/local)
//   - s3://bucket=b;region=r;keyId=..;key=.. (github.com/gobeaver/storagekit/driver/s3)
//   - az://account=a;container=c;key=.. (github.com/gobeaver/storagekit/driver/azure)
//   - google.storage://bucket=b;cred=.. (github.com/gobeaver/storagekit/driver/gcs)
//   - databricks://host=..;token=.. (github.com/gobeaver/storagekit/driver/dbfs)
//
// # Basic Usage
//
//	import _ "github.com/gobeaver/storagekit/driver/local"
//
//	s, err := storagekit.Open(ctx, "disk://path=./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer storagekit.Close(s)
//
//	err = storagekit.WriteText(ctx, s, fspath.New("/hello.txt"), "Hello, World!")
//	text, found, err := storagekit.ReadText(ctx, s, fspath.New("/hello.txt"))
//	entries, err := s.Ls(ctx, fspath.New("/"), true)
//
// Large files stream: OpenRead returns a reader fetching bounded chunks, and
// OpenWrite returns a session whose data becomes visible only after Close.
//
// # Composition
//
// [VirtualStorage] mounts backends under folder prefixes of a single
// namespace. [CacheStorage] keeps read copies in a second backend and expires
// them by age. [ReadOnlyStorage] rejects writes. All three are Storage values
// themselves and stack in any order:
//
//	vfs := storagekit.NewVirtualStorage(root)
//	_ = vfs.Mount(fspath.New("/archive/"), s3Store)
//	s := storagekit.NewCacheStorage(vfs, diskCache, time.Hour)
//
// # Configuration
//
// [NewFromEnv] assembles the root backend, its mounts and the cache from
// BEAVER_STORAGEKIT_* environment variables. See [Config].
package storagekit
