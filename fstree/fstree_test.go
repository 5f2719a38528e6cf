package fstree

import (
	"testing"

	"github.com/containers/composefs-repo/tarsplit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name string, typeflag byte, opts func(*tarsplit.TarEntry)) *tarsplit.TarEntry {
	e := &tarsplit.TarEntry{Name: name, Typeflag: typeflag, Mode: 0644}
	if opts != nil {
		opts(e)
	}
	return e
}

func TestApplyDirectoryAndFile(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("etc/", '5', nil)))
	require.NoError(t, root.Apply(entry("etc/hostname", '0', func(e *tarsplit.TarEntry) {
		e.Payload = []byte("box")
		e.Size = 3
	})))

	etc, ok := root.Dir.Lookup("etc")
	require.True(t, ok)
	etcDir := etc.(*Directory)
	hostname, ok := etcDir.Lookup("hostname")
	require.True(t, ok)
	leaf := hostname.(*Leaf)
	assert.Equal(t, LeafInline, leaf.Kind)
	assert.Equal(t, "box", string(leaf.InlineContent))
}

func TestWhiteoutRemovesEntry(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("dir/", '5', nil)))
	require.NoError(t, root.Apply(entry("dir/file", '0', func(e *tarsplit.TarEntry) { e.Payload = []byte("x"); e.Size = 1 })))
	require.NoError(t, root.Apply(entry("dir/.wh.file", '0', nil)))

	dir, _ := root.Dir.Lookup("dir")
	_, ok := dir.(*Directory).Lookup("file")
	assert.False(t, ok)
}

func TestOpaqueWhiteoutClearsDirectory(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("dir/", '5', nil)))
	require.NoError(t, root.Apply(entry("dir/a", '0', func(e *tarsplit.TarEntry) { e.Payload = []byte("a"); e.Size = 1 })))
	require.NoError(t, root.Apply(entry("dir/b", '0', func(e *tarsplit.TarEntry) { e.Payload = []byte("b"); e.Size = 1 })))
	require.NoError(t, root.Apply(entry("dir/.wh..wh..opq", '0', nil)))

	dir, _ := root.Dir.Lookup("dir")
	assert.Empty(t, dir.(*Directory).Children())
}

func TestApplyContinuousFileIsTreatedAsRegular(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("cont", '7', func(e *tarsplit.TarEntry) {
		e.Payload = []byte("tape-era contiguous data")
		e.Size = int64(len(e.Payload))
	})))

	inode, ok := root.Dir.Lookup("cont")
	require.True(t, ok)
	leaf := inode.(*Leaf)
	assert.Equal(t, LeafInline, leaf.Kind)
	assert.Equal(t, "tape-era contiguous data", string(leaf.InlineContent))
}

func TestHardlinkSharesLeafAndRefcounts(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("a", '0', func(e *tarsplit.TarEntry) { e.Payload = []byte("data"); e.Size = 4 })))
	require.NoError(t, root.Apply(entry("b", '1', func(e *tarsplit.TarEntry) { e.LinkName = "/a" })))

	a, _ := root.Dir.Lookup("a")
	b, _ := root.Dir.Lookup("b")
	assert.Same(t, a.(*Leaf), b.(*Leaf))
	assert.Equal(t, 2, a.(*Leaf).RefCount)
}

func TestHardlinkToDirectoryFails(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("dir/", '5', nil)))
	err := root.Apply(entry("link", '1', func(e *tarsplit.TarEntry) { e.LinkName = "/dir" }))
	assert.Error(t, err)
}

func TestFinalizeRootDefaultsWhenUnset(t *testing.T) {
	root := NewRoot()
	require.NoError(t, root.Apply(entry("a", '0', func(e *tarsplit.TarEntry) {
		e.Payload = []byte("x")
		e.Size = 1
		e.MtimeSec = 42
	})))
	root.FinalizeRoot()
	assert.EqualValues(t, 0555, root.Dir.Stat.Mode)
	assert.EqualValues(t, 42, root.Dir.Stat.MtimeSec)
}

func TestSortedInsertionFastPath(t *testing.T) {
	root := NewRoot()
	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		require.NoError(t, root.Apply(entry(n, '0', func(e *tarsplit.TarEntry) { e.Payload = []byte("x"); e.Size = 1 })))
	}
	children := root.Dir.Children()
	require.Len(t, children, 4)
	for i, n := range names {
		assert.Equal(t, n, children[i].Name)
	}
}
