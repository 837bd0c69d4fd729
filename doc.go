/*
Package genkv provides a generational, versioned key/value storage engine.

A store is a directory of immutable generation files shared by any number
of repos. Each repo is a partition with its own sequence numbers: writes go
to an in-memory layer that is flushed into a new generation when it fills
up, and background merges combine adjacent generations, dropping versions
that no reader can observe anymore.

# Usage

	m, err := genkv.Open("/tmp/store", genkv.DefaultOptions())
	if err != nil { ... }
	defer m.Close()

	r, err := m.NewRepo()
	seq, err := r.Put([]byte("k"), []byte("v"))
	v, err := r.Get([]byte("k"), nil)

For runnable examples, see the repository's examples directory.

# Versions and visibility

Every write gets the next sequence number of its repo. A read at sequence
S sees, for each key, the newest version with a sequence at or below S.
Snapshots pin a sequence; merges keep what pinned readers need. Callers
that track their own readers declare with Repo.SetReleasedUpTo that older
versions may be collapsed.

# Concurrency

A Manager and its repos are safe for concurrent use by multiple
goroutines. Walkers are not; each goroutine should use its own walker.

# Durability

Only flushed data survives a restart: there is no write-ahead log.
Manager.Close flushes every repo.
*/
package genkv
