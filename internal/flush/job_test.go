package flush

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/mempool"
	"github.com/aalhour/genkv/internal/vfs"
)

const testBlockSize = 512

type testRepo struct {
	id     uuid.UUID
	dir    string
	fs     vfs.FS
	genIDs uint64
}

func (r *testRepo) ID() uuid.UUID { return r.id }
func (r *testRepo) NextGenID() uint64 { r.genIDs++; return r.genIDs }
func (r *testRepo) Dir() string { return r.dir }
func (r *testRepo) FS() vfs.FS { return r.fs }

func newTestRepo(t *testing.T, fs vfs.FS) *testRepo {
	return &testRepo{id: uuid.New(), dir: t.TempDir(), fs: fs}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	pool, err := mempool.NewGrowingPool("flush", testBlockSize, 0, 1, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return Options{
		Writer: generation.WriterOptions{BlockSize: testBlockSize, IndexInterval: 2, Pool: pool},
		Logger: logging.Discard,
	}
}

// frozen returns a frozen memory layer holding entries.
func frozen(t *testing.T, entries ...dbformat.Entry) *layer.Layer {
	t.Helper()
	l := layer.NewMemory(1, nil)
	for _, e := range entries {
		require.NoError(t, l.Insert(e))
	}
	l.Freeze()
	return l
}

func put(key string, seq dbformat.SequenceNumber, value string) dbformat.Entry {
	return dbformat.Entry{Key: []byte(key), Seq: seq, Type: dbformat.TypeValue, Value: []byte(value)}
}

func del(key string, seq dbformat.SequenceNumber) dbformat.Entry {
	return dbformat.Entry{Key: []byte(key), Seq: seq, Type: dbformat.TypeDeletion}
}

func TestRunWritesEveryVersion(t *testing.T) {
	r := newTestRepo(t, vfs.Default())
	src := frozen(t, put("a", 1, "x"), put("a", 2, "y"), del("b", 3), put("c", 4, "z"))
	src.SetCanTail(true)

	res, err := NewJob(r, src, testOptions(t)).Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Meta.GenID)
	require.Equal(t, r.id, res.Meta.RepoID)
	require.EqualValues(t, 4, res.Meta.NumEntries)
	require.EqualValues(t, 3, res.Meta.NumKeys)
	require.EqualValues(t, 1, res.Meta.LowestSeq)
	require.EqualValues(t, 4, res.Meta.HighestSeq)
	require.True(t, res.Meta.CanTail)
	require.True(t, res.Meta.HasTombstones)
	require.NotEmpty(t, res.FooterBlock)
	require.True(t, r.fs.Exists(res.Path))

	names, err := r.fs.ListDir(r.dir)
	require.NoError(t, err)
	require.Len(t, names, 1, "only the published generation is left")
}

func TestRunRejectsActiveLayer(t *testing.T) {
	r := newTestRepo(t, vfs.Default())
	src := layer.NewMemory(1, nil)
	require.NoError(t, src.Insert(put("a", 1, "x")))

	_, err := NewJob(r, src, testOptions(t)).Run(context.Background())
	require.ErrorIs(t, err, ErrNotFrozen)
	require.Zero(t, r.genIDs, "no generation id is spent")
}

func TestRunEmptyLayerHasNoOutput(t *testing.T) {
	r := newTestRepo(t, vfs.Default())

	_, err := NewJob(r, frozen(t), testOptions(t)).Run(context.Background())
	require.ErrorIs(t, err, ErrNoOutput)
	names, err := r.fs.ListDir(r.dir)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestRunCanceledLeavesNoFile(t *testing.T) {
	r := newTestRepo(t, vfs.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewJob(r, frozen(t, put("a", 1, "x")), testOptions(t)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	names, err := r.fs.ListDir(r.dir)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestRunFailedRenameLeavesNoFile(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	r := newTestRepo(t, fs)
	fs.InjectRenameError()

	_, err := NewJob(r, frozen(t, put("a", 1, "x")), testOptions(t)).Run(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, logging.ErrFatal)
	names, err := fs.ListDir(r.dir)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestCheckOutputSpanMismatch(t *testing.T) {
	src := generation.Meta{NumEntries: 3, LowestSeq: 5, HighestSeq: 7}
	require.NoError(t, checkOutput(src, src))

	for _, out := range []generation.Meta{
		{NumEntries: 2, LowestSeq: 5, HighestSeq: 7},
		{NumEntries: 3, LowestSeq: 6, HighestSeq: 7},
		{NumEntries: 3, LowestSeq: 5, HighestSeq: 8},
	} {
		err := checkOutput(src, out)
		require.ErrorIs(t, err, logging.ErrFatal, "%+v", out)
		require.Contains(t, err.Error(), "seq [5,7]")
	}
}
