package layer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/genkv/internal/cache"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/hitcount"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/mempool"
	"github.com/aalhour/genkv/internal/vfs"
	"github.com/aalhour/genkv/internal/volume"
)

const testBlockSize = 512

type fakeOwner struct {
	mu       sync.Mutex
	safe     bool
	deferred []*Layer
}

func (o *fakeOwner) CanRemove() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.safe
}

func (o *fakeOwner) DeferDestroy(l *Layer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deferred = append(o.deferred, l)
}

func newDiskEnv(t *testing.T, fs vfs.FS) *DiskEnv {
	t.Helper()
	vol := volume.New(fs, testBlockSize, 1024, logging.Discard)
	c, err := cache.New(cache.Config{
		BlockSize:  testBlockSize,
		CacheSize:  8,
		NumLRU:     2,
		HitCounter: hitcount.New(testBlockSize, 1024),
	}, vol, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = vol.Close()
	})
	return &DiskEnv{FS: fs, Volume: vol, Cache: c, BlockSize: testBlockSize, Logger: logging.Discard}
}

func writeGeneration(t *testing.T, fs vfs.FS, dir string, genID uint64, entries []dbformat.Entry) string {
	t.Helper()
	pool, err := mempool.NewGrowingPool("write", testBlockSize, 1, 1, logging.Discard)
	require.NoError(t, err)
	defer pool.Close()

	path := filepath.Join(dir, generation.FileName(genID, uuid.New()))
	f, err := fs.Create(path)
	require.NoError(t, err)
	w, err := generation.NewWriter(f, generation.Meta{GenID: genID}, generation.WriterOptions{BlockSize: testBlockSize, IndexInterval: 2, Pool: pool})
	require.NoError(t, err)
	for i := range entries {
		require.NoError(t, w.Add(&entries[i]))
	}
	_, err = w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

func put(key string, seq dbformat.SequenceNumber, value string) dbformat.Entry {
	return dbformat.Entry{Key: []byte(key), Seq: seq, Type: dbformat.TypeValue, Value: []byte(value)}
}

func del(key string, seq dbformat.SequenceNumber) dbformat.Entry {
	return dbformat.Entry{Key: []byte(key), Seq: seq, Type: dbformat.TypeDeletion}
}

func present(t *testing.T, w *PresentWalker) []string {
	t.Helper()
	defer w.Close()
	var out []string
	for w.Next() {
		e := w.Entry()
		if e.IsTombstone() {
			out = append(out, fmt.Sprintf("%s@%d=DEL", e.Key, e.Seq))
		} else {
			out = append(out, fmt.Sprintf("%s@%d=%s", e.Key, e.Seq, e.Value))
		}
	}
	require.NoError(t, w.Err())
	require.False(t, w.Next(), "exhausted walker stays exhausted")
	return out
}

func TestMemoryLayerInsertAndIterate(t *testing.T) {
	l := NewMemory(1, nil)
	for i := range 200 {
		require.NoError(t, l.Insert(put(fmt.Sprintf("k%03d", i%50), dbformat.SequenceNumber(i+1), "v")))
	}
	require.ErrorIs(t, l.Insert(put("k000", 1, "dup")), ErrDuplicateEntry)

	m := l.Meta()
	require.EqualValues(t, 200, m.NumEntries)
	require.EqualValues(t, 50, m.NumKeys)
	require.EqualValues(t, 1, m.LowestSeq)
	require.EqualValues(t, 200, m.HighestSeq)

	it := l.NewIterator(context.Background())
	defer it.Close()
	n := 0
	var prev *dbformat.Entry
	for it.SeekToFirst(); it.Valid(); it.Next() {
		e := it.Entry().Clone()
		if prev != nil {
			require.Negative(t, dbformat.CompareEntries(prev, &e))
		}
		prev = &e
		n++
	}
	require.Equal(t, 200, n, "iteration crosses batch boundaries")

	l.Freeze()
	require.ErrorIs(t, l.Insert(put("zz", 999, "v")), ErrFrozen)
}

func TestMemoryIteratorIsSnapshot(t *testing.T) {
	l := NewMemory(1, nil)
	require.NoError(t, l.Insert(put("a", 1, "x")))
	it := l.NewIterator(context.Background())
	defer it.Close()
	require.NoError(t, l.Insert(put("b", 2, "y")))

	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	require.Equal(t, 1, n)
}

func TestLayerPresentWalker(t *testing.T) {
	l := NewMemory(1, nil)
	for _, e := range []dbformat.Entry{
		put("a", 1, "a1"), put("a", 5, "a5"),
		put("b", 2, "b2"), del("b", 6),
		put("c", 7, "c7"),
	} {
		require.NoError(t, l.Insert(e))
	}
	ctx := context.Background()

	require.Equal(t, []string{"a@5=a5", "c@7=c7"}, present(t, l.NewPresentWalker(ctx, SpanRange(nil, nil), dbformat.MaxSequenceNumber, false)))
	require.Equal(t, []string{"a@5=a5", "b@6=DEL", "c@7=c7"}, present(t, l.NewPresentWalker(ctx, SpanRange(nil, nil), dbformat.MaxSequenceNumber, true)))
	require.Equal(t, []string{"a@1=a1", "b@2=b2"}, present(t, l.NewPresentWalker(ctx, SpanRange(nil, nil), 4, false)))
	require.Equal(t, []string{"b@2=b2"}, present(t, l.NewPresentWalker(ctx, KeyRange([]byte("b")), 5, false)))
	require.Equal(t, []string{"a@5=a5"}, present(t, l.NewPresentWalker(ctx, SpanRange([]byte("a"), []byte("b")), 9, false)))
}

func TestLayerUpdateWalker(t *testing.T) {
	l := NewMemory(1, nil)
	for _, e := range []dbformat.Entry{put("z", 1, "1"), put("a", 3, "3"), del("m", 2), put("a", 4, "4")} {
		require.NoError(t, l.Insert(e))
	}
	w := l.NewUpdateWalker(context.Background(), 2, 4)
	defer w.Close()
	var seqs []dbformat.SequenceNumber
	for w.Next() {
		seqs = append(seqs, w.Entry().Seq)
	}
	require.NoError(t, w.Err())
	require.Equal(t, []dbformat.SequenceNumber{2, 3}, seqs)
}

func TestDiskLayerLifecycle(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	env := newDiskEnv(t, fs)
	var removed []uint64
	env.OnRemove = func(id uint64) { removed = append(removed, id) }
	path := writeGeneration(t, fs, dir, 9, []dbformat.Entry{put("a", 2, "x"), del("a", 1), put("b", 3, "y")})

	owner := &fakeOwner{safe: false}
	l, err := OpenDisk(context.Background(), env, path, owner)
	require.NoError(t, err)
	require.Equal(t, KindDisk, l.Kind())
	require.EqualValues(t, 9, l.ID())
	require.EqualValues(t, 2, l.Meta().NumKeys)

	require.Equal(t, []string{"a@2=x", "b@3=y"}, present(t, l.NewPresentWalker(context.Background(), SpanRange(nil, nil), dbformat.MaxSequenceNumber, false)))

	l.Acquire()
	l.MarkForDelete()
	l.Release()
	require.False(t, l.Destroyed(), "still referenced")

	// Not safe: handed back to the owner, file kept.
	l.Release()
	require.False(t, l.Destroyed())
	require.Len(t, owner.deferred, 1)
	require.True(t, fs.Exists(path))
	require.Empty(t, removed)

	require.NoError(t, l.Destroy())
	require.True(t, l.Destroyed())
	require.False(t, fs.Exists(path))
	require.Equal(t, []uint64{9}, removed)
	require.NoError(t, l.Destroy())
	require.Equal(t, []uint64{9}, removed, "destroy is idempotent")
	require.Zero(t, env.Volume.UsedBlocks())
	require.Panics(t, l.Release)
}

func TestDestroySwallowsShutdown(t *testing.T) {
	dir := t.TempDir()
	guarded := vfs.NewGuardedFS(vfs.Default())
	env := newDiskEnv(t, guarded)
	env.OnRemove = func(uint64) { t.Error("OnRemove called for a file left on disk") }
	path := writeGeneration(t, guarded, dir, 1, []dbformat.Entry{put("a", 1, "x")})

	l, err := OpenDisk(context.Background(), env, path, &fakeOwner{safe: true})
	require.NoError(t, err)
	guarded.Shutdown()

	l.MarkForDelete()
	l.Release()
	require.True(t, l.Destroyed())
	require.True(t, guarded.Exists(path), "file is left for the next open")
}

func TestOpenPublishedWarmsFooter(t *testing.T) {
	dir := t.TempDir()
	env := newDiskEnv(t, vfs.Default())
	pool, err := mempool.NewGrowingPool("write", testBlockSize, 1, 1, logging.Discard)
	require.NoError(t, err)
	defer pool.Close()

	b, err := generation.NewBuilder(env.FS, dir, generation.Meta{GenID: 4}, generation.WriterOptions{BlockSize: testBlockSize, Pool: pool})
	require.NoError(t, err)
	e := put("k", 1, "v")
	require.NoError(t, b.Add(&e))
	_, err = b.Publish()
	require.NoError(t, err)

	l, err := OpenPublished(context.Background(), env, b.Path(), b.FooterBlock(), nil)
	require.NoError(t, err)
	defer l.Close()

	st := env.Cache.Stats()
	require.Zero(t, st.Misses, "single-block generation is served from the warmed footer")
	require.EqualValues(t, 1, l.Meta().NumEntries)
}

func TestUpdateWalkerReadsOneLayerAtATime(t *testing.T) {
	ctx := context.Background()
	// Newest first, as a repo lists them.
	layers := []*Layer{NewMemory(3, nil), NewMemory(2, nil), NewMemory(1, nil)}
	seq := dbformat.SequenceNumber(1)
	for i := len(layers) - 1; i >= 0; i-- {
		for k := range 10 {
			require.NoError(t, layers[i].Insert(put(fmt.Sprintf("k%02d", 9-k), seq, "v")))
			seq++
		}
	}

	var sources []Iter
	for _, l := range layers {
		sources = append(sources, l.NewIterator(ctx))
	}
	w := NewUpdateWalker(ctx, sources, 5, 26, nil)
	defer w.Close()

	require.True(t, w.Next())
	require.Equal(t, 1, w.next, "only the oldest layer is read by the first Next")
	require.Len(t, w.batch, 6)

	got := []dbformat.SequenceNumber{w.Entry().Seq}
	for w.Next() {
		require.LessOrEqual(t, len(w.batch), 10)
		got = append(got, w.Entry().Seq)
	}
	require.NoError(t, w.Err())
	require.False(t, w.Next())

	var want []dbformat.SequenceNumber
	for s := dbformat.SequenceNumber(5); s < 26; s++ {
		want = append(want, s)
	}
	require.Equal(t, want, got)
}

func TestUpdateWalkerStopsOnCanceledContext(t *testing.T) {
	l := NewMemory(1, nil)
	require.NoError(t, l.Insert(put("a", 1, "v")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewUpdateWalker(ctx, []Iter{l.NewIterator(ctx)}, 0, 0, nil)
	defer w.Close()
	require.False(t, w.Next())
	require.ErrorIs(t, w.Err(), context.Canceled)
}
