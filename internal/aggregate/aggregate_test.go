package aggregate

import (
	"testing"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idiv-biodiversity/mmdu/internal/policy"
)

type testRec struct {
	path  string
	size  uint64
	kb    uint64
	nlink uint64
	inode uint64
	dev   uint64
	dir   bool
}

func (r testRec) record() policy.Record {
	mode := "-rw-r--r--"
	if r.dir {
		mode = "drwxr-xr-x"
	}

	nlink := r.nlink
	if nlink == 0 {
		nlink = 1
	}

	dev := r.dev
	if dev == 0 {
		dev = 1
	}

	return policy.Record{
		Inode:       r.inode,
		Mode:        mode,
		Nlink:       nlink,
		FileSize:    r.size,
		KBAllocated: r.kb,
		Device:      dev,
		Path:        []byte(r.path),
	}
}

func run(t *testing.T, opts Options, recs []testRec) ([]Entry, error) {
	t.Helper()

	var entries []Entry
	agg := New(opts, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})

	for _, r := range recs {
		if err := agg.Add(r.record()); err != nil {
			return entries, err
		}
	}

	return entries, agg.Close()
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Path)
	}
	return out
}

func byPath(entries []Entry) map[string]Acc {
	out := make(map[string]Acc, len(entries))
	for _, e := range entries {
		out[string(e.Path)] = e.Acc
	}
	return out
}

func TestMaxDepth(t *testing.T) {
	recs := []testRec{
		{path: "/a/b/z", size: 25},
		{path: "/a/x", size: 100},
		{path: "/a/y", size: 50},
	}

	entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1}, recs)
	require.NoError(t, err)

	// bottom-up: subtree closes before its parent
	assert.Equal(t, []string{"/a/b", "/a"}, paths(entries))

	totals := byPath(entries)
	assert.Equal(t, Acc{Inodes: 1, Bytes: 25}, totals["/a/b"])
	assert.Equal(t, Acc{Inodes: 3, Bytes: 175}, totals["/a"])
}

func TestConservation(t *testing.T) {
	recs := []testRec{
		{path: "/a", size: 4096, kb: 4, dir: true},
		{path: "/a/b", size: 4096, kb: 4, dir: true},
		{path: "/a/b/c", size: 10, kb: 1},
		{path: "/a/b/d", size: 20, kb: 1},
		{path: "/a/e", size: 30, kb: 1},
	}

	entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 10}, recs)
	require.NoError(t, err)

	totals := byPath(entries)

	// every directory total is the sum over its descendants,
	// including the directory's own metadata cost
	assert.Equal(t, Acc{Inodes: 3, Bytes: 4126, Allocated: 6 * 1024}, totals["/a/b"])
	assert.Equal(t, Acc{Inodes: 5, Bytes: 8252, Allocated: 11 * 1024}, totals["/a"])
}

func TestHardLinkDedup(t *testing.T) {
	recs := []testRec{
		{path: "/a/b/z", size: 25},
		{path: "/a/x", size: 100, nlink: 2, inode: 7},
		{path: "/a/y", size: 100, nlink: 2, inode: 7},
	}

	t.Run("first seen wins", func(t *testing.T) {
		entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1}, recs)
		require.NoError(t, err)

		totals := byPath(entries)
		assert.Equal(t, uint64(125), totals["/a"].Bytes)
		assert.Equal(t, uint64(2), totals["/a"].Inodes)
	})

	t.Run("count links", func(t *testing.T) {
		entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1, CountLinks: true}, recs)
		require.NoError(t, err)

		totals := byPath(entries)
		assert.Equal(t, uint64(225), totals["/a"].Bytes)
	})

	t.Run("different devices are distinct identities", func(t *testing.T) {
		recs := []testRec{
			{path: "/a/x", size: 100, nlink: 2, inode: 7, dev: 1},
			{path: "/a/y", size: 100, nlink: 2, inode: 7, dev: 2},
		}

		entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1}, recs)
		require.NoError(t, err)
		assert.Equal(t, uint64(200), byPath(entries)["/a"].Bytes)
	})
}

func TestDedupIdempotence(t *testing.T) {
	// n hard-linked copies change the ancestor total by one copy's size
	for n := 1; n <= 4; n++ {
		recs := []testRec{{path: "/a/base", size: 1000}}
		for i := 0; i < n; i++ {
			recs = append(recs, testRec{
				path:  "/a/link" + string(rune('0'+i)),
				size:  77,
				nlink: uint64(n),
				inode: 42,
			})
		}

		entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 0}, recs)
		require.NoError(t, err)

		assert.Equal(t, uint64(1077), byPath(entries)["/a"].Bytes, "n=%d", n)
	}
}

func TestExclude(t *testing.T) {
	recs := []testRec{
		{path: "/a/b/z", size: 25},
		{path: "/a/x", size: 100},
		{path: "/a/y", size: 50},
	}

	pattern := glob.MustCompile("/a/b/*")

	entries, err := run(t, Options{
		Root:     []byte("/a"),
		MaxDepth: 1,
		Exclude:  []glob.Glob{pattern},
	}, recs)
	require.NoError(t, err)

	totals := byPath(entries)
	assert.Equal(t, uint64(150), totals["/a"].Bytes)
	assert.NotContains(t, totals, "/a/b")
}

func TestExcludePrunesSubtree(t *testing.T) {
	recs := []testRec{
		{path: "/a/cache", size: 4096, dir: true},
		{path: "/a/cache/one", size: 100},
		{path: "/a/cache/two", size: 100},
		{path: "/a/x", size: 10},
	}

	entries, err := run(t, Options{
		Root:     []byte("/a"),
		MaxDepth: 5,
		Exclude:  []glob.Glob{glob.MustCompile("/a/cache")},
	}, recs)
	require.NoError(t, err)

	totals := byPath(entries)
	assert.Equal(t, Acc{Inodes: 1, Bytes: 10}, totals["/a"])
	assert.NotContains(t, totals, "/a/cache")
}

func TestOneFileSystem(t *testing.T) {
	recs := []testRec{
		{path: "/a", size: 4096, dir: true, dev: 1},
		{path: "/a/mnt", size: 4096, dir: true, dev: 2},
		{path: "/a/mnt/big", size: 5000, dev: 2},
		{path: "/a/x", size: 10, dev: 1},
	}

	entries, err := run(t, Options{
		Root:          []byte("/a"),
		MaxDepth:      5,
		OneFileSystem: true,
	}, recs)
	require.NoError(t, err)

	totals := byPath(entries)
	assert.Equal(t, Acc{Inodes: 2, Bytes: 4106}, totals["/a"])
	assert.NotContains(t, totals, "/a/mnt")
}

func TestSummarize(t *testing.T) {
	recs := []testRec{
		{path: "/a/b/z", size: 25},
		{path: "/a/x", size: 100},
	}

	entries, err := run(t, Options{Root: []byte("/a"), Summarize: true}, recs)
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "/a", string(entries[0].Path))
	assert.Equal(t, uint64(125), entries[0].Bytes)
}

func TestEmptyInput(t *testing.T) {
	entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1}, nil)
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "/a", string(entries[0].Path))
	assert.Equal(t, Acc{}, entries[0].Acc)
}

func TestDepthMonotonicity(t *testing.T) {
	recs := []testRec{
		{path: "/a/b/c/deep", size: 5},
		{path: "/a/b/z", size: 25},
		{path: "/a/x", size: 100},
	}

	var rootTotals []uint64
	var shallow map[string]Acc

	for depth := 0; depth <= 3; depth++ {
		entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: depth}, recs)
		require.NoError(t, err)

		totals := byPath(entries)
		rootTotals = append(rootTotals, totals["/a"].Bytes)

		// deeper settings only reveal entries, never change shallow ones
		for path, acc := range shallow {
			assert.Equal(t, acc, totals[path], "depth=%d path=%s", depth, path)
		}
		shallow = totals
	}

	for _, total := range rootTotals {
		assert.Equal(t, uint64(130), total)
	}
}

func TestOrderingViolation(t *testing.T) {
	recs := []testRec{
		{path: "/a/c", size: 1},
		{path: "/a/b", size: 1}, // behind the stream
	}

	var entries []Entry
	agg := New(Options{Root: []byte("/a"), MaxDepth: 1}, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})

	require.NoError(t, agg.Add(recs[0].record()))

	err := agg.Add(recs[1].record())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrdering)
	assert.Empty(t, entries)
}

func TestOutsideRoot(t *testing.T) {
	agg := New(Options{Root: []byte("/a"), MaxDepth: 1}, func(Entry) error { return nil })

	err := agg.Add(testRec{path: "/other", size: 1}.record())
	assert.Error(t, err)
}

func TestRootSlash(t *testing.T) {
	recs := []testRec{
		{path: "/", size: 4096, dir: true},
		{path: "/x", size: 4096, dir: true},
		{path: "/x/f", size: 10},
	}

	entries, err := run(t, Options{Root: []byte("/"), MaxDepth: 1}, recs)
	require.NoError(t, err)

	totals := byPath(entries)
	assert.Equal(t, Acc{Inodes: 3, Bytes: 8202}, totals["/"])
	assert.Equal(t, Acc{Inodes: 2, Bytes: 4106}, totals["/x"])
}

func TestDedupSetIsPerRun(t *testing.T) {
	recs := []testRec{
		{path: "/a/x", size: 100, nlink: 2, inode: 7},
	}

	for i := 0; i < 2; i++ {
		entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 0}, recs)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), byPath(entries)["/a"].Bytes, "run %d", i)
	}
}

func TestHyphenSiblingKeepsDirectoryWhole(t *testing.T) {
	// "/a/b-x" sorts between "/a/b" and "/a/b/c" in plain byte order;
	// component order delivers the whole /a/b subtree first, so the
	// directory must close exactly once with its full total
	recs := []testRec{
		{path: "/a/b", size: 4096, dir: true},
		{path: "/a/b/c", size: 10},
		{path: "/a/b-x", size: 20},
	}

	entries, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1}, recs)
	require.NoError(t, err)

	assert.Equal(t, []string{"/a/b", "/a"}, paths(entries))

	totals := byPath(entries)
	assert.Equal(t, Acc{Inodes: 2, Bytes: 4106}, totals["/a/b"])
	assert.Equal(t, Acc{Inodes: 3, Bytes: 4126}, totals["/a"])
}

func TestHyphenSiblingByteOrderIsRejected(t *testing.T) {
	// the same records in plain byte order step back into /a/b after
	// the stream already left it
	recs := []testRec{
		{path: "/a/b", size: 4096, dir: true},
		{path: "/a/b-x", size: 20},
		{path: "/a/b/c", size: 10},
	}

	_, err := run(t, Options{Root: []byte("/a"), MaxDepth: 1}, recs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrdering)
}
