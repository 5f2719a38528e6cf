package repo

import (
	"testing"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/object"
	"github.com/containers/composefs-repo/splitstream"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestRepo opens a repository in a scratch directory with locking
// disabled, since advisory flock semantics aren't guaranteed on every CI
// filesystem and this package's own behavior, not flock itself, is under
// test. It skips the test outright if the backing filesystem doesn't
// support fsverity (e.g. tmpfs, or a CI container without the feature
// enabled), mirroring object.newTestStore's probe-then-skip precedent —
// every Repository operation ultimately inserts through EnsureObject. The
// probe writes into a separate scratch store on the same filesystem, so it
// leaves no unreferenced object behind for GC tests to count.
func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(dir, Options{InsecureAllowNoLock: true})
	require.NoError(t, err)
	if _, err := object.New(t.TempDir()).EnsureObject([]byte("fsverity capability probe")); err != nil {
		if errs.Is(err, errs.KindIO) || errs.Is(err, errs.KindIntegrity) {
			t.Skipf("skipping: backing filesystem does not appear to support fsverity: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func writeStream(t *testing.T, r *Repository, content []byte, name string) (string, digest.Digest) {
	t.Helper()
	claim := digest.FromBytes(content)
	verity, err := r.EnsureStream(claim, name, func(w *splitstream.Writer) error {
		w.WriteInline(content)
		return nil
	})
	require.NoError(t, err)
	return verity.Hex(), claim
}

func TestEnsureStreamDedupesByContentSHA256(t *testing.T) {
	r := openTestRepo(t)
	content := []byte("layer contents")

	hex1, _ := writeStream(t, r, content, "")
	hex2, _ := writeStream(t, r, content, "")

	assert.Equal(t, hex1, hex2)
}

func TestEnsureStreamWithNameCreatesRef(t *testing.T) {
	r := openTestRepo(t)
	hex, _ := writeStream(t, r, []byte("data"), "mylayer")

	sr, err := r.OpenStream("refs/mylayer", nil)
	require.NoError(t, err)
	defer sr.Close()

	var got [4]byte
	ok, err := sr.ReadInlineExact(got[:])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "data", string(got[:]))

	resolved, err := r.Store.ResolveObjectDigest(streamRelPath(hex))
	require.NoError(t, err)
	assert.Equal(t, hex, resolved.Hex())
}

func TestOpenStreamByBareHexVerifies(t *testing.T) {
	r := openTestRepo(t)
	hex, _ := writeStream(t, r, []byte("verified content"), "")

	sr, err := r.OpenStream(hex, nil)
	require.NoError(t, err)
	defer sr.Close()
}

func TestNameStreamFailsOnCollision(t *testing.T) {
	r := openTestRepo(t)
	hex, _ := writeStream(t, r, []byte("one"), "taken")
	_, _ = writeStream(t, r, []byte("two"), "")

	err := r.NameStream("taken", hex)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindExists))
}

func TestUnnameStreamIsNoOpWhenAbsent(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.UnnameStream("never-existed"))
}

func TestUnnameStreamRemovesRef(t *testing.T) {
	r := openTestRepo(t)
	writeStream(t, r, []byte("x"), "gone-soon")

	require.NoError(t, r.UnnameStream("gone-soon"))
	_, err := r.OpenStream("refs/gone-soon", nil)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestWriteImageAndNameImage(t *testing.T) {
	r := openTestRepo(t)
	data := []byte("fake erofs image bytes")

	verity, err := r.WriteImage(data, "myimage")
	require.NoError(t, err)

	resolved, err := r.Store.ResolveObjectDigest(imageRefRelPath("myimage"))
	require.NoError(t, err)
	assert.Equal(t, verity.Hex(), resolved.Hex())

	got, err := r.Store.ReadObject(verity)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestNameImageFailsOnCollision(t *testing.T) {
	r := openTestRepo(t)
	verity, err := r.WriteImage([]byte("a"), "dup")
	require.NoError(t, err)

	err = r.NameImage("dup", verity.Hex())
	assert.True(t, errs.Is(err, errs.KindExists))
}
