package repo

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/genkv/internal/batch"
	"github.com/aalhour/genkv/internal/cache"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/flush"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/hitcount"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/mempool"
	"github.com/aalhour/genkv/internal/vfs"
	"github.com/aalhour/genkv/internal/volume"
)

const testBlockSize = 512

type testEnv struct {
	dir  string
	env  *layer.DiskEnv
	pool *mempool.GrowingPool
}

func newTestEnv(t *testing.T, fs vfs.FS) *testEnv {
	t.Helper()
	vol := volume.New(fs, testBlockSize, 4096, logging.Discard)
	c, err := cache.New(cache.Config{
		BlockSize:  testBlockSize,
		CacheSize:  64,
		NumLRU:     4,
		HitCounter: hitcount.New(testBlockSize, 4096),
	}, vol, logging.Discard)
	require.NoError(t, err)
	pool, err := mempool.NewGrowingPool("write", testBlockSize, 0, 2, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = vol.Close()
		_ = pool.Close()
	})
	return &testEnv{
		dir:  t.TempDir(),
		env:  &layer.DiskEnv{FS: fs, Volume: vol, Cache: c, BlockSize: testBlockSize, Logger: logging.Discard},
		pool: pool,
	}
}

func (te *testEnv) writerOptions() generation.WriterOptions {
	return generation.WriterOptions{BlockSize: testBlockSize, IndexInterval: 4, Pool: te.pool}
}

func (te *testEnv) newRepo(id uuid.UUID, genIDs func() uint64) *Repo {
	return New(Config{
		ID:        id,
		Dir:       te.dir,
		Env:       te.env,
		Flush:     flush.Options{Writer: te.writerOptions(), Logger: logging.Discard},
		NextGenID: genIDs,
		Logger:    logging.Discard,
	})
}

func counter() func() uint64 {
	var n uint64
	return func() uint64 { n++; return n }
}

func putOne(t *testing.T, r *Repo, key, value string) dbformat.SequenceNumber {
	t.Helper()
	wb := batch.New()
	wb.Put([]byte(key), []byte(value))
	seq, err := r.Apply(wb)
	require.NoError(t, err)
	return seq
}

func delOne(t *testing.T, r *Repo, key string) dbformat.SequenceNumber {
	t.Helper()
	wb := batch.New()
	wb.Delete([]byte(key))
	seq, err := r.Apply(wb)
	require.NoError(t, err)
	return seq
}

func walk(t *testing.T, r *Repo, asOf dbformat.SequenceNumber, rng layer.Range, ignoreTombstone bool) []string {
	t.Helper()
	v, err := r.NewView(asOf)
	require.NoError(t, err)
	defer v.Close()
	w := r.NewPresentWalker(context.Background(), v, rng, ignoreTombstone)
	defer w.Close()
	var out []string
	for w.Next() {
		e := w.Entry()
		if e.IsTombstone() {
			out = append(out, fmt.Sprintf("%s=DEL", e.Key))
		} else {
			out = append(out, fmt.Sprintf("%s=%s", e.Key, e.Value))
		}
	}
	require.NoError(t, w.Err())
	require.False(t, w.Next())
	return out
}

func listGenerations(t *testing.T, dir string) []string {
	t.Helper()
	names, err := vfs.Default().ListDir(dir)
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		if _, _, ok := generation.ParseFileName(n); ok {
			out = append(out, filepath.Join(dir, n))
		}
	}
	return out
}

func TestPresentWalkerNewestWinsAcrossLayers(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	putOne(t, r, "a", "1")
	putOne(t, r, "c", "old")
	require.NoError(t, r.Flush(ctx))
	seqA2 := putOne(t, r, "a", "2")
	putOne(t, r, "b", "x")
	require.NoError(t, r.Flush(ctx))
	delOne(t, r, "a")
	putOne(t, r, "c", "new")
	require.Equal(t, 2, r.NumLayers())

	all := layer.SpanRange(nil, nil)
	require.Equal(t, []string{"b=x", "c=new"}, walk(t, r, dbformat.MaxSequenceNumber, all, false))
	require.Equal(t, []string{"a=DEL", "b=x", "c=new"}, walk(t, r, dbformat.MaxSequenceNumber, all, true))
	require.Equal(t, []string{"a=2"}, walk(t, r, seqA2, layer.KeyRange([]byte("a")), false))
	require.Equal(t, []string{"a=1", "c=old"}, walk(t, r, 2, all, false))
	require.Equal(t, []string{"b=x"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange([]byte("b"), []byte("c")), false))
}

func TestReadsNeverSeeNewerSequences(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	type version struct {
		seq   dbformat.SequenceNumber
		value string
		del   bool
	}
	history := map[string][]version{}
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range 300 {
		key := fmt.Sprintf("k%02d", rng.IntN(20))
		if rng.IntN(5) == 0 {
			seq := delOne(t, r, key)
			history[key] = append(history[key], version{seq: seq, del: true})
		} else {
			value := fmt.Sprintf("v%d", i)
			seq := putOne(t, r, key, value)
			history[key] = append(history[key], version{seq: seq, value: value})
		}
		if i%70 == 69 {
			require.NoError(t, r.Flush(ctx))
		}
	}

	for _, asOf := range []dbformat.SequenceNumber{1, 50, 123, 200, 299, 300} {
		for key, versions := range history {
			var want *version
			for i := range versions {
				if versions[i].seq <= asOf {
					want = &versions[i]
				}
			}
			got, found, err := r.Get(ctx, []byte(key), asOf)
			require.NoError(t, err)
			if want == nil || want.del {
				require.False(t, found, "key %s at %d", key, asOf)
				continue
			}
			require.True(t, found, "key %s at %d", key, asOf)
			require.LessOrEqual(t, got.Seq, asOf)
			require.Equal(t, want.seq, got.Seq)
			require.Equal(t, want.value, string(got.Value))
		}
	}
}

func TestUpdateWalker(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	putOne(t, r, "b", "1") // 1
	putOne(t, r, "a", "2") // 2
	require.NoError(t, r.Flush(ctx))
	delOne(t, r, "b")      // 3
	putOne(t, r, "c", "4") // 4

	collect := func(v *View, from, to dbformat.SequenceNumber) []string {
		w := r.NewUpdateWalker(ctx, v, from, to)
		defer w.Close()
		var out []string
		for w.Next() {
			out = append(out, fmt.Sprintf("%d:%s", w.Entry().Seq, w.Entry().Key))
		}
		require.NoError(t, w.Err())
		require.False(t, w.Next())
		return out
	}

	v, err := r.NewView(dbformat.MaxSequenceNumber)
	require.NoError(t, err)
	require.Equal(t, []string{"2:a", "3:b", "4:c"}, collect(v, 2, 0))
	require.Equal(t, []string{"2:a", "3:b"}, collect(v, 2, 4))
	v.Close()

	v, err = r.NewView(3)
	require.NoError(t, err)
	defer v.Close()
	putOne(t, r, "d", "5")
	require.Equal(t, []string{"1:b", "2:a", "3:b"}, collect(v, 0, 0))
}

func writeMerged(t *testing.T, te *testEnv, r *Repo, spanLow, spanHigh dbformat.SequenceNumber, entries []dbformat.Entry) *layer.Layer {
	t.Helper()
	b, err := generation.NewBuilder(te.env.FS, te.dir, generation.Meta{
		GenID: r.NextGenID(), RepoID: r.ID(), SpanLow: spanLow, SpanHigh: spanHigh,
	}, te.writerOptions())
	require.NoError(t, err)
	b.AllowEmpty()
	for i := range entries {
		require.NoError(t, b.Add(&entries[i]))
	}
	_, err = b.Publish()
	require.NoError(t, err)
	l, err := r.OpenPublished(context.Background(), b.Path(), b.FooterBlock())
	require.NoError(t, err)
	return l
}

func TestReplaceLayersDefersDestroyUntilViewsClose(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	putOne(t, r, "a", "1")
	require.NoError(t, r.Flush(ctx))
	putOne(t, r, "a", "2")
	require.NoError(t, r.Flush(ctx))
	inputs := r.AcquireDiskLayers()
	require.Len(t, inputs, 2)
	oldPaths := []string{inputs[0].Path(), inputs[1].Path()}

	view, err := r.NewView(dbformat.MaxSequenceNumber)
	require.NoError(t, err)

	merged := writeMerged(t, te, r, 1, 2, []dbformat.Entry{
		{Key: []byte("a"), Seq: 2, Type: dbformat.TypeValue, Value: []byte("2")},
	})
	require.NoError(t, r.ReplaceLayers(inputs, merged))
	for _, l := range inputs {
		l.Release()
	}
	require.Equal(t, 1, r.NumLayers())

	for _, p := range oldPaths {
		require.FileExists(t, p, "pinned by the open view")
	}
	require.Equal(t, []string{"a=2"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))

	view.Close()
	for _, p := range oldPaths {
		require.NoFileExists(t, p)
	}
	require.Zero(t, r.PendingDestroy())
}

func TestReplaceLayersRejectsGaps(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	for i := range 3 {
		putOne(t, r, fmt.Sprintf("k%d", i), "v")
		require.NoError(t, r.Flush(ctx))
	}
	layers := r.AcquireDiskLayers()
	defer func() {
		for _, l := range layers {
			l.Release()
		}
	}()
	require.ErrorIs(t, r.ReplaceLayers([]*layer.Layer{layers[0], layers[2]}, nil), ErrNotContiguous)
	require.ErrorIs(t, r.ReplaceLayers([]*layer.Layer{layer.NewMemory(99, nil)}, nil), ErrUnknownLayer)
	require.Equal(t, 3, r.NumLayers())
	require.True(t, r.IsOldest(layers[2]))
}

func TestAddLayerKeepsSingleTail(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()

	first := writeMerged(t, te, r, 1, 1, []dbformat.Entry{{Key: []byte("a"), Seq: 1, Type: dbformat.TypeValue}})
	first.SetCanTail(true)
	require.NoError(t, r.AddLayer(first))
	second := writeMerged(t, te, r, 2, 5, []dbformat.Entry{{Key: []byte("b"), Seq: 5, Type: dbformat.TypeValue}})
	second.SetCanTail(true)
	require.NoError(t, r.AddLayer(second))

	require.False(t, first.CanTail())
	require.True(t, second.CanTail())
	require.EqualValues(t, 5, r.LastSequence())
	require.EqualValues(t, 6, putOne(t, r, "c", "v"))
}

func TestFailedRepoStopsWritesAndDeletion(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	putOne(t, r, "a", "1")
	require.NoError(t, r.Flush(ctx))
	layers := r.AcquireDiskLayers()
	require.Len(t, layers, 1)
	path := layers[0].Path()
	require.NoError(t, r.ReplaceLayers(layers, nil))

	r.Fail(fmt.Errorf("%w: test", logging.ErrFatal))
	require.False(t, r.CanRemove())
	require.True(t, r.IsSafe(), "a failed repo is still durable")
	layers[0].Release()
	require.FileExists(t, path)
	require.Equal(t, 1, r.PendingDestroy())
	require.Zero(t, r.CollectGarbage())

	wb := batch.New()
	wb.Put([]byte("b"), nil)
	_, err := r.Apply(wb)
	require.ErrorIs(t, err, ErrRepoFailed)
	require.ErrorIs(t, r.Flush(ctx), ErrRepoFailed)

	_, found, err := r.Get(ctx, []byte("a"), dbformat.MaxSequenceNumber)
	require.NoError(t, err)
	require.False(t, found, "replaced layer is gone from the list")
}

func TestWatermarkAndSnapshots(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()

	for i := range 10 {
		putOne(t, r, fmt.Sprintf("k%d", i), "v")
	}
	r.SetReleasedUpTo(8)
	r.SetReleasedUpTo(3)
	require.EqualValues(t, 8, r.ReleasedUpTo(), "watermark never moves back")
	require.EqualValues(t, 8, r.MergeWatermark())

	putOne(t, r, "x", "v") // 11
	s1 := r.NewSnapshot()
	require.EqualValues(t, 11, s1.Sequence())
	r.SetReleasedUpTo(20)
	require.EqualValues(t, 11, r.MergeWatermark())

	s1.Ref()
	s1.Release()
	require.Equal(t, 1, r.NumSnapshots())
	s1.Release()
	require.Zero(t, r.NumSnapshots())
	require.EqualValues(t, 20, r.MergeWatermark())
}

func TestSnapshotListOrderAndCreationTime(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()

	putOne(t, r, "a", "1")
	before := time.Now()
	s1 := r.NewSnapshot()
	after := time.Now()
	require.False(t, s1.CreatedAt().Before(before))
	require.False(t, s1.CreatedAt().After(after))

	putOne(t, r, "a", "2")
	s2 := r.NewSnapshot()
	putOne(t, r, "a", "3")
	s3 := r.NewSnapshot()
	r.SetReleasedUpTo(10)

	// Released from the middle and the front, the list keeps the oldest
	// live snapshot at its head.
	s2.Release()
	require.EqualValues(t, 1, r.MergeWatermark())
	s1.Release()
	require.EqualValues(t, 3, r.MergeWatermark())
	require.Equal(t, 1, r.NumSnapshots())
	require.Nil(t, s1.prev)
	require.Nil(t, s1.next)
	s3.Release()
	require.EqualValues(t, 10, r.MergeWatermark())
}

func TestLoadRecoversAndDropsSupersededGenerations(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	id := uuid.New()
	genIDs := counter()
	r := te.newRepo(id, genIDs)
	ctx := context.Background()

	putOne(t, r, "a", "1")
	require.NoError(t, r.Flush(ctx))
	putOne(t, r, "a", "2")
	putOne(t, r, "b", "3")
	require.NoError(t, r.Flush(ctx))
	putOne(t, r, "c", "4")
	require.NoError(t, r.Flush(ctx))

	// A merge of the two oldest generations that was published but whose
	// inputs were never removed.
	merged := writeMerged(t, te, r, 1, 3, []dbformat.Entry{
		{Key: []byte("a"), Seq: 2, Type: dbformat.TypeValue, Value: []byte("2")},
		{Key: []byte("b"), Seq: 3, Type: dbformat.TypeValue, Value: []byte("3")},
	})
	mergedPath := merged.Path()
	require.NoError(t, merged.Close())
	merged.Release()
	require.NoError(t, r.Close())
	require.Len(t, listGenerations(t, te.dir), 4)

	r2 := te.newRepo(id, genIDs)
	defer r2.Close()
	require.NoError(t, r2.Load(ctx, listGenerations(t, te.dir)))

	paths := listGenerations(t, te.dir)
	require.Len(t, paths, 2)
	require.Contains(t, paths, mergedPath)
	require.Equal(t, 2, r2.NumLayers())
	require.EqualValues(t, 4, r2.LastSequence())
	require.Equal(t, []string{"a=2", "b=3", "c=4"}, walk(t, r2, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))
	require.EqualValues(t, 5, putOne(t, r2, "d", "5"))
}

func TestLoadRejectsDuplicateGenerationIDs(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), func() uint64 { return 7 })
	ctx := context.Background()
	putOne(t, r, "a", "1")
	require.NoError(t, r.Flush(ctx))
	putOne(t, r, "b", "2")
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Close())

	r2 := te.newRepo(uuid.New(), counter())
	defer r2.Close()
	err := r2.Load(ctx, listGenerations(t, te.dir))
	require.ErrorIs(t, err, logging.ErrFatal)
}

func TestFlushFailureKeepsDataReadable(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	te := newTestEnv(t, fs)
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()
	ctx := context.Background()

	putOne(t, r, "a", "1")
	fs.InjectSyncError()
	require.ErrorIs(t, r.Flush(ctx), vfs.ErrInjectedSyncError)
	require.Empty(t, listGenerations(t, te.dir))

	got, found, err := r.Get(ctx, []byte("a"), dbformat.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(got.Value))

	fs.ClearErrors()
	putOne(t, r, "b", "2")
	require.NoError(t, r.Flush(ctx))
	require.Len(t, listGenerations(t, te.dir), 2, "the failed layer is retried")
	require.Equal(t, 2, r.NumLayers())
	require.Equal(t, []string{"a=1", "b=2"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))
}

func (te *testEnv) newVolatileRepo() *Repo {
	return New(Config{
		ID:        uuid.New(),
		Kind:      Volatile,
		Dir:       te.dir,
		Env:       te.env,
		Flush:     flush.Options{Writer: te.writerOptions(), Logger: logging.Discard},
		NextGenID: counter(),
		Logger:    logging.Discard,
	})
}

func TestVolatileFlushCollapsesMemoryLayers(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newVolatileRepo()
	defer r.Close()
	ctx := context.Background()
	require.False(t, r.IsSafe())
	require.Equal(t, Volatile, r.Kind())

	putOne(t, r, "a", "1")
	putOne(t, r, "b", "1")
	require.NoError(t, r.Flush(ctx))
	require.Equal(t, 1, r.NumLayers())
	require.Empty(t, r.AcquireDiskLayers())

	putOne(t, r, "a", "2") // 3
	require.NoError(t, r.Flush(ctx))
	require.Equal(t, 1, r.NumLayers(), "two frozen memory layers collapse into one")
	require.Equal(t, []string{"a=2", "b=1"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))

	// Mutations at or below the watermark are dropped.
	r.SetReleasedUpTo(2)
	require.NoError(t, r.Flush(ctx))
	require.Equal(t, []string{"a=2"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))

	r.SetReleasedUpTo(r.LastSequence())
	require.NoError(t, r.Flush(ctx))
	require.Zero(t, r.NumLayers())
	require.EqualValues(t, 3, r.LastSequence(), "sequence numbering is unaffected")
	require.Empty(t, listGenerations(t, te.dir))
}

func TestVolatileFlushKeepsSnapshotVersions(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newVolatileRepo()
	defer r.Close()
	ctx := context.Background()

	putOne(t, r, "a", "1")
	putOne(t, r, "b", "1")
	s := r.NewSnapshot()
	putOne(t, r, "a", "2")
	r.SetReleasedUpTo(r.LastSequence())
	require.NoError(t, r.Flush(ctx))
	putOne(t, r, "c", "1")
	require.NoError(t, r.Flush(ctx))
	require.Equal(t, 1, r.NumLayers())
	require.Equal(t, []string{"a=1", "b=1"}, walk(t, r, s.Sequence(), layer.SpanRange(nil, nil), false),
		"a live snapshot holds off dropping")
	require.Equal(t, []string{"a=2", "b=1", "c=1"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))

	s.Release()
	require.NoError(t, r.Flush(ctx))
	require.Equal(t, []string{"c=1"}, walk(t, r, dbformat.MaxSequenceNumber, layer.SpanRange(nil, nil), false))
}

func TestVolatileLoadRejectsGenerations(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	d := te.newRepo(uuid.New(), counter())
	putOne(t, d, "a", "1")
	require.NoError(t, d.Flush(context.Background()))
	require.NoError(t, d.Close())

	r := te.newVolatileRepo()
	defer r.Close()
	err := r.Load(context.Background(), listGenerations(t, te.dir))
	require.ErrorIs(t, err, logging.ErrFatal)
}

func TestRestoreResumesNumbering(t *testing.T) {
	te := newTestEnv(t, vfs.Default())
	r := te.newRepo(uuid.New(), counter())
	defer r.Close()

	rec := r.Record()
	require.Equal(t, Durable, rec.Kind)
	require.Zero(t, rec.LastSeq)

	r.Restore(Record{LastSeq: 40, ReleasedUpTo: 30})
	require.EqualValues(t, 41, putOne(t, r, "a", "1"))
	require.EqualValues(t, 30, r.ReleasedUpTo())

	// An older record never moves the repo back.
	r.Restore(Record{LastSeq: 5, ReleasedUpTo: 1})
	require.EqualValues(t, 41, r.LastSequence())
	require.EqualValues(t, 30, r.ReleasedUpTo())
	rec = r.Record()
	require.EqualValues(t, 41, rec.LastSeq)
	require.EqualValues(t, 30, rec.ReleasedUpTo)
}
