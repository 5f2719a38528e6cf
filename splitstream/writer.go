package splitstream

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// ObjectStore is the subset of object.Store the writer needs: ensuring a
// byte payload is present in the pool. Declared as an interface so this
// package does not import object directly, keeping the dependency graph
// leaf-to-root.
type ObjectStore interface {
	EnsureObject(data []byte) (fsverity.Digest, error)
}

// Writer builds a Split Stream: inline bytes and external references
// interleaved in call order (spec §4.3, §5 — call order is the
// reconstructed byte order). Payloads passed to WriteExternal are
// deduplicated and stored via the configured ObjectStore.
type Writer struct {
	store    ObjectStore
	out      io.Writer  // the zstd-compressed body destination
	inline   []byte     // buffered inline bytes not yet flushed
	digests  *DigestMap // digest map being built alongside this stream, if any
	content  hash.Hash  // rolling content hash, if a claim was configured
	claimSet bool
	claim    digest.Digest
	done     bool
}

// NewWriter creates a Writer that stores external payloads through store
// and streams its compressed body to out. If claim is non-empty, Done
// verifies the rolling content-sha256 of every logical byte written
// (inline bytes and external payload+padding bytes) against claim and
// fails with KindIntegrity on mismatch. maps, if non-nil, seeds the digest
// map with the caller's pre-known foreign-hash associations in addition to
// whatever AddDigestMapEntry adds later.
func NewWriter(store ObjectStore, out io.Writer, claim digest.Digest, maps *DigestMap) *Writer {
	w := &Writer{store: store, out: out, digests: maps}
	if w.digests == nil {
		w.digests = NewDigestMap()
	}
	if claim != "" {
		w.claimSet = true
		w.claim = claim
		w.content = sha256.New()
	}
	return w
}

// AddDigestMapEntry records an association between a foreign content hash
// and the fsverity digest of the object storing it, to be written into the
// stream's digest map on Done.
func (w *Writer) AddDigestMapEntry(body digest.Digest, verity fsverity.Digest) {
	w.digests.Add(body, verity)
}

func (w *Writer) trackContent(data []byte) {
	if w.content != nil {
		w.content.Write(data)
	}
}

// WriteInline appends data to the pending inline buffer; it is flushed as
// a single frame the next time an external reference is written, or by
// Done.
func (w *Writer) WriteInline(data []byte) {
	w.inline = append(w.inline, data...)
	w.trackContent(data)
}

func (w *Writer) flushInline() error {
	if len(w.inline) == 0 {
		return nil
	}
	if err := writeFrame(w.out, w.inline); err != nil {
		return err
	}
	w.inline = w.inline[:0]
	return nil
}

// writeFrame writes one data-bearing frame: a little-endian u64 size
// followed by exactly that many bytes. Zero-length inline frames are
// illegal and never emitted — the empty-buffer check in flushInline and
// the caller discipline in WriteExternal ensure this.
func writeFrame(w io.Writer, data []byte) error {
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(data)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return errs.Wrapf(errs.KindIO, err, "writing split-stream frame size")
	}
	if _, err := w.Write(data); err != nil {
		return errs.Wrapf(errs.KindIO, err, "writing split-stream frame data")
	}
	return nil
}

// writeExternalFrame writes a zero-size frame followed by exactly 32
// bytes: the fsverity digest of the referenced object.
func writeExternalFrame(w io.Writer, digest fsverity.Digest) error {
	var sizeBuf [8]byte // zero
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return errs.Wrapf(errs.KindIO, err, "writing split-stream external frame marker")
	}
	if len(digest) != sha256Size {
		return errs.Newf(errs.KindCorrupt, "external reference has non-sha256 digest of length %d", len(digest))
	}
	if _, err := w.Write(digest); err != nil {
		return errs.Wrapf(errs.KindIO, err, "writing split-stream external frame digest")
	}
	return nil
}

// WriteExternal asks the object store to ensure payload is stored, flushes
// any pending inline buffer as a single inline frame, emits an external
// reference frame for payload's object, then starts a new inline buffer
// with padding (bytes that belong logically after payload but which are
// not themselves stored as the object, e.g. tar block-alignment padding).
func (w *Writer) WriteExternal(payload []byte, padding []byte) (fsverity.Digest, error) {
	if err := w.flushInline(); err != nil {
		return nil, err
	}
	digest, err := w.store.EnsureObject(payload)
	if err != nil {
		return nil, err
	}
	if err := writeExternalFrame(w.out, digest); err != nil {
		return nil, err
	}
	w.trackContent(payload)
	w.inline = append(w.inline[:0], padding...)
	w.trackContent(padding)
	return digest, nil
}

// Done flushes any remaining inline bytes, verifies the content-hash claim
// if one was configured, and returns the writer's digest map for the
// caller to serialize alongside the compressed body (see WrapAndFinish,
// which does both in one call for the common case).
func (w *Writer) Done() (*DigestMap, error) {
	if w.done {
		return w.digests, nil
	}
	if err := w.flushInline(); err != nil {
		return nil, err
	}
	w.done = true
	if w.claimSet {
		sum := w.content.Sum(nil)
		got := digest.NewDigestFromBytes(digest.SHA256, sum)
		if got != w.claim {
			return nil, errs.Newf(errs.KindIntegrity, "split-stream content hash %s does not match claimed %s", got, w.claim)
		}
	}
	return w.digests, nil
}

// WrapAndFinish is the common top-level entry point: it streams
// build(bodyWriter) through the repository's fixed compression format
// (zstd), then stores the digest map header, uncompressed, followed by the
// compressed body as one blob via store, and returns that blob's fsverity
// digest.
//
// build receives a *Writer already wired to the compressed body stream;
// it should call WriteInline/WriteExternal as needed and does not need to
// call Done itself — WrapAndFinish does that after build returns.
func WrapAndFinish(store ObjectStore, claim digest.Digest, seedMaps *DigestMap, build func(*Writer) error) (fsverity.Digest, error) {
	headerBuf := &bytes.Buffer{}
	bodyBuf := &bytes.Buffer{}

	zw, err := zstd.NewWriter(bodyBuf)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "creating zstd compressor")
	}

	w := NewWriter(store, zw, claim, seedMaps)
	if err := build(w); err != nil {
		zw.Close()
		return nil, err
	}
	maps, err := w.Done()
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "closing zstd compressor")
	}

	if err := maps.encode(headerBuf); err != nil {
		return nil, err
	}

	full := append(headerBuf.Bytes(), bodyBuf.Bytes()...)
	return store.EnsureObject(full)
}
