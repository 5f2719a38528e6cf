package splitstream

import (
	"bytes"
	"testing"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory ObjectStore for testing the codec
// without touching a real filesystem or fsverity.
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
	data, ok := m.objects[d.Hex()]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no such object")
	}
	return data, nil
}

func buildStream(t *testing.T, store *memStore, claim digest.Digest, build func(*Writer) error) ([]byte, fsverity.Digest) {
	t.Helper()
	var out bytes.Buffer
	// WrapAndFinish stores the finished blob in the object store; we also
	// want the raw bytes to feed directly to a Reader for some tests, so
	// read the stored blob back out of the in-memory store.
	digestHolder, err := WrapAndFinish(store, claim, nil, build)
	require.NoError(t, err)
	data, err := store.ReadObject(digestHolder)
	require.NoError(t, err)
	out.Write(data)
	return out.Bytes(), digestHolder
}

func TestWriterReaderRoundTrip(t *testing.T) {
	store := newMemStore()
	var externalPayload = []byte("this is externalized file content, long enough to matter")

	raw, _ := buildStream(t, store, "", func(w *Writer) error {
		w.WriteInline([]byte("header-bytes"))
		if _, err := w.WriteExternal(externalPayload, []byte("pad")); err != nil {
			return err
		}
		w.WriteInline([]byte("trailer-bytes"))
		return nil
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	var reconstructed bytes.Buffer
	err = r.Cat(&reconstructed, func(d fsverity.Digest) ([]byte, error) {
		return store.ReadObject(d)
	})
	require.NoError(t, err)

	assert.Equal(t, "header-bytes"+string(externalPayload)+"pad"+"trailer-bytes", reconstructed.String())
}

func TestWriterReaderExactReconstruction(t *testing.T) {
	store := newMemStore()
	parts := [][]byte{
		[]byte("AAAA"),
		[]byte("this-is-an-external-blob-of-some-length"),
		[]byte("BBBB"),
	}
	var logical bytes.Buffer
	logical.Write(parts[0])
	logical.Write(parts[1])
	logical.Write(parts[2])

	raw, _ := buildStream(t, store, "", func(w *Writer) error {
		w.WriteInline(parts[0])
		if _, err := w.WriteExternal(parts[1], nil); err != nil {
			return err
		}
		w.WriteInline(parts[2])
		return nil
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()
	var got bytes.Buffer
	require.NoError(t, r.Cat(&got, func(d fsverity.Digest) ([]byte, error) { return store.ReadObject(d) }))
	assert.Equal(t, logical.Bytes(), got.Bytes())
}

func TestContentHashClaimSucceedsOnMatch(t *testing.T) {
	store := newMemStore()
	payload := []byte("hello world")
	claim := digest.FromBytes(payload)

	_, err := WrapAndFinish(store, claim, nil, func(w *Writer) error {
		w.WriteInline(payload)
		return nil
	})
	require.NoError(t, err)
}

func TestContentHashClaimFailsOnMismatch(t *testing.T) {
	store := newMemStore()
	claim := digest.FromBytes([]byte("expected this"))

	_, err := WrapAndFinish(store, claim, nil, func(w *Writer) error {
		w.WriteInline([]byte("but got this instead"))
		return nil
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindIntegrity))
}

func TestDigestMapRoundTrip(t *testing.T) {
	store := newMemStore()
	layerDigest := digest.FromString("fake layer tar bytes")
	verityDigest := fsverity.Hash([]byte("fake layer object"))

	raw, _ := buildStream(t, store, "", func(w *Writer) error {
		w.AddDigestMapEntry(layerDigest, verityDigest)
		w.WriteInline([]byte("config json bytes"))
		return nil
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	got, ok := r.DigestMap().Lookup(layerDigest)
	require.True(t, ok)
	assert.Equal(t, verityDigest, got)
}

func TestGetObjectRefsEnumeratesWithoutReconstituting(t *testing.T) {
	store := newMemStore()
	extDigest, err := store.EnsureObject([]byte("external payload"))
	require.NoError(t, err)

	mapVerity := fsverity.Hash([]byte("mapped object"))
	mapBody := digest.FromString("mapped body")

	raw, _ := buildStream(t, store, "", func(w *Writer) error {
		w.AddDigestMapEntry(mapBody, mapVerity)
		w.WriteInline([]byte("inline prefix"))
		_, err := w.WriteExternal([]byte("external payload"), nil)
		return err
	})
	_ = extDigest

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	var seen []fsverity.Digest
	require.NoError(t, r.GetObjectRefs(func(d fsverity.Digest) {
		seen = append(seen, d)
	}))
	assert.Len(t, seen, 2) // one digest-map entry, one external frame
}

func TestReadInlineExactFailsOnExternal(t *testing.T) {
	store := newMemStore()
	raw, _ := buildStream(t, store, "", func(w *Writer) error {
		_, err := w.WriteExternal([]byte("external"), nil)
		return err
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 4)
	_, err = r.ReadInlineExact(buf)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCorrupt))
}

func TestReadExactHandlesPadding(t *testing.T) {
	store := newMemStore()
	payload := []byte("five!") // actualSize=5, pad to 8 (tar-like alignment)
	raw, _ := buildStream(t, store, "", func(w *Writer) error {
		_, err := w.WriteExternal(payload, []byte{0, 0, 0})
		if err != nil {
			return err
		}
		w.WriteInline([]byte("next-record"))
		return nil
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.ReadExact(5, 8)
	require.NoError(t, err)
	assert.NotNil(t, rec.Digest)

	buf := make([]byte, len("next-record"))
	ok, err := r.ReadInlineExact(buf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "next-record", string(buf))
}

func TestEmptyStreamReadsCleanlyToEOF(t *testing.T) {
	store := newMemStore()
	raw, _ := buildStream(t, store, "", func(w *Writer) error { return nil })

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	var got bytes.Buffer
	require.NoError(t, r.Cat(&got, func(d fsverity.Digest) ([]byte, error) { return nil, nil }))
	assert.Empty(t, got.Bytes())
}
