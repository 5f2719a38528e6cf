package repo

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/containers/composefs-repo/external"
	"github.com/containers/composefs-repo/splitstream"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubComposefsInfo points external.ComposefsInfoPath at a script that
// reports no object references, since GC invokes the real inspector over
// every images/<hex> entry and no such binary is present in this sandbox.
func stubComposefsInfo(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("subprocess script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "composefs-info")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat - >/dev/null\n"), 0755))
	old := external.ComposefsInfoPath
	external.ComposefsInfoPath = script
	t.Cleanup(func() { external.ComposefsInfoPath = old })
}

func TestGCKeepsNamedStreamAndSweepsUnnamedOne(t *testing.T) {
	r := openTestRepo(t)

	namedHex, _ := writeStream(t, r, []byte("kept because named"), "keep-me")
	unnamedHex, _ := writeStream(t, r, []byte("not named by any ref"), "")

	stats, err := r.GC(false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeletedStreamSymlinks)
	assert.Equal(t, 1, stats.DeletedObjects)

	_, err = os.Lstat(filepath.Join(r.Dir, "streams", namedHex))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(r.Dir, "streams", unnamedHex))
	assert.True(t, os.IsNotExist(err))
}

func TestGCDryRunDeletesNothing(t *testing.T) {
	r := openTestRepo(t)
	unnamedHex, _ := writeStream(t, r, []byte("scratch stream"), "")

	stats, err := r.GC(true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeletedStreamSymlinks)

	_, err = os.Lstat(filepath.Join(r.Dir, "streams", unnamedHex))
	assert.NoError(t, err)
}

// TestGCSweepsUnreachableObjectsAfterUnname exercises a single GC call
// collecting both ends of an orphaned stream at once: once UnnameStream
// removes the only refs/ entry naming it, the mark phase never walks its
// streams/<hex> entry, so the object it alone pointed to is never marked
// reachable either. One GC(false) call deletes both the dangling
// streams/<hex> symlink and the now-unreachable object in the same pass.
func TestGCSweepsUnreachableObjectsAfterUnname(t *testing.T) {
	r := openTestRepo(t)
	content := []byte("soon to be orphaned")
	claim := digest.FromBytes(content)
	verity, err := r.EnsureStream(claim, "temp", func(w *splitstream.Writer) error {
		w.WriteInline(content)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, r.UnnameStream("temp"))

	stats, err := r.GC(false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeletedStreamSymlinks)
	assert.Equal(t, 1, stats.DeletedObjects)

	_, err = r.Store.ReadObject(verity)
	assert.Error(t, err)
}

func TestGCSweepsStaleByShaIndexEntry(t *testing.T) {
	r := openTestRepo(t)
	writeStream(t, r, []byte("never named"), "")

	entries, err := os.ReadDir(filepath.Join(r.Dir, "streams", "by-sha256"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = r.GC(false)
	require.NoError(t, err)

	entries, err = os.ReadDir(filepath.Join(r.Dir, "streams", "by-sha256"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGCKeepsNamedImageObject(t *testing.T) {
	stubComposefsInfo(t)
	r := openTestRepo(t)
	_, err := r.WriteImage([]byte("image bytes"), "myimage")
	require.NoError(t, err)

	stats, err := r.GC(false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeletedImageSymlinks)
	assert.Equal(t, 1, stats.ReachableObjects)
}
