package tarsplit

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/containers/composefs-repo/fsverity"
	"github.com/containers/composefs-repo/splitstream"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) EnsureObject(data []byte) (fsverity.Digest, error) {
	d := fsverity.Hash(data)
	m.objects[d.Hex()] = append([]byte(nil), data...)
	return d, nil
}

func (m *memStore) ReadObject(d fsverity.Digest) ([]byte, error) {
	return m.objects[d.Hex()], nil
}

// buildTar uses the standard library's tar writer to produce a realistic
// byte stream (correct checksums, padding, GNU long names) to split.
func buildTar(t *testing.T, write func(tw *tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write(tw)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func splitIntoStream(t *testing.T, store *memStore, tarBytes []byte) []byte {
	t.Helper()
	finalDigest, err := splitstream.WrapAndFinish(store, digest.FromBytes(tarBytes), nil, func(w *splitstream.Writer) error {
		return Split(bytes.NewReader(tarBytes), w)
	})
	require.NoError(t, err)
	raw, err := store.ReadObject(finalDigest)
	require.NoError(t, err)
	return raw
}

func TestSplitAndReadRegularFileRoundTrip(t *testing.T) {
	store := newMemStore()
	tarBytes := buildTar(t, func(tw *tar.Writer) {
		content := []byte("hello from a regular file, long enough to externalize as an object")
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "hello.txt",
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	})

	raw := splitIntoStream(t, store, tarBytes)

	sr, err := splitstream.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer sr.Close()

	r := NewReader(sr)
	entry, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "hello.txt", entry.Name)
	assert.True(t, entry.IsRegular())
	assert.EqualValues(t, 0644, entry.Mode)

	next, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestSplitAndReadContinuousFileRoundTrip(t *testing.T) {
	store := newMemStore()
	content := []byte("GNU contiguous-file data, long enough to externalize as a payload")
	tarBytes := buildTar(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "contiguous.bin",
			Typeflag: tar.TypeCont,
			Mode:     0644,
			Size:     int64(len(content)),
			Format:   tar.FormatGNU,
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	})

	raw := splitIntoStream(t, store, tarBytes)
	sr, err := splitstream.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer sr.Close()

	r := NewReader(sr)
	entry, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsRegular())
	require.NotNil(t, entry.External)

	payload, err := store.ReadObject(entry.External.Digest)
	require.NoError(t, err)
	assert.Equal(t, content, payload)
}

func TestSplitAndReadDirectoryAndSymlink(t *testing.T) {
	store := newMemStore()
	tarBytes := buildTar(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "subdir/",
			Typeflag: tar.TypeDir,
			Mode:     0755,
		}))
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "subdir/link",
			Typeflag: tar.TypeSymlink,
			Linkname: "../hello.txt",
			Mode:     0777,
		}))
	})

	raw := splitIntoStream(t, store, tarBytes)
	sr, err := splitstream.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer sr.Close()
	r := NewReader(sr)

	dirEntry, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, dirEntry)
	assert.True(t, dirEntry.IsDir())
	assert.Equal(t, "subdir/", dirEntry.Name)

	linkEntry, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, linkEntry)
	assert.True(t, linkEntry.IsSymlink())
	assert.Equal(t, "../hello.txt", linkEntry.LinkName)
}

func TestSplitAndReadGNULongName(t *testing.T) {
	store := newMemStore()
	longName := "a/very/long/path/that/exceeds/the/classic/one-hundred-byte/ustar/name/field/limit/file.txt"
	tarBytes := buildTar(t, func(tw *tar.Writer) {
		tw.WriteHeader(&tar.Header{
			Name:     longName,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     5,
			Format:   tar.FormatGNU,
		})
		tw.Write([]byte("hello"))
	})

	raw := splitIntoStream(t, store, tarBytes)
	sr, err := splitstream.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer sr.Close()
	r := NewReader(sr)

	entry, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, longName, entry.Name)
	assert.Equal(t, "hello", string(entry.Payload))
}

func TestSplitPreservesEmptyArchive(t *testing.T) {
	store := newMemStore()
	tarBytes := buildTar(t, func(tw *tar.Writer) {})

	raw := splitIntoStream(t, store, tarBytes)
	sr, err := splitstream.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer sr.Close()
	r := NewReader(sr)

	entry, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, entry)
}
