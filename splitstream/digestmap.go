// Package splitstream implements the Split Stream binary container (spec
// §3, §4.3): a byte-for-byte reproducible stream with file payloads
// externalized as references into the object store, plus an auxiliary
// digest map resolving foreign content hashes (e.g. a tar layer's
// sha256) to their stored fsverity digests.
//
// Grounded on containers/image's pkg/blobinfocache, which solves the
// analogous "index one digest space against another" problem
// (pkg/blobinfocache/internal/prioritize.go), and on copy/blob.go's
// streaming-pipeline idiom (digesting reader, io.Pipe staging) for the
// writer's rolling content-hash check.
package splitstream

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/opencontainers/go-digest"
)

// DigestMapEntry associates a foreign content hash (e.g. a tar layer's
// sha256, the "body-sha256" of spec §3) with the fsverity digest of the
// object that stores the corresponding bytes.
type DigestMapEntry struct {
	Body   digest.Digest // sha256 of the original bytes
	Verity fsverity.Digest
}

// DigestMap is the Split Stream header: entries sorted by Body so the
// encoding is canonical and lookups can binary-search.
type DigestMap struct {
	entries []DigestMapEntry
}

// NewDigestMap returns an empty digest map.
func NewDigestMap() *DigestMap {
	return &DigestMap{}
}

// Add inserts (or replaces) the mapping for body, keeping entries sorted.
func (m *DigestMap) Add(body digest.Digest, verity fsverity.Digest) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Body >= body })
	if i < len(m.entries) && m.entries[i].Body == body {
		m.entries[i].Verity = verity
		return
	}
	m.entries = append(m.entries, DigestMapEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = DigestMapEntry{Body: body, Verity: verity}
}

// Lookup returns the fsverity digest mapped to body, if present.
func (m *DigestMap) Lookup(body digest.Digest) (fsverity.Digest, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Body >= body })
	if i < len(m.entries) && m.entries[i].Body == body {
		return m.entries[i].Verity, true
	}
	return nil, false
}

// Entries returns the sorted entries of the map.
func (m *DigestMap) Entries() []DigestMapEntry {
	return m.entries
}

const sha256Size = 32

// encode writes the digest-map header: a little-endian u64 count followed
// by N (body, verity) pairs of 32 bytes each, sorted by body.
func (m *DigestMap) encode(w io.Writer) error {
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(m.entries)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errs.Wrapf(errs.KindIO, err, "writing digest map count")
	}
	for _, e := range m.entries {
		raw, err := hex.DecodeString(e.Body.Encoded())
		if err != nil || len(raw) != sha256Size {
			return errs.Newf(errs.KindCorrupt, "digest map entry has malformed body hash %q", e.Body)
		}
		if _, err := w.Write(raw); err != nil {
			return errs.Wrapf(errs.KindIO, err, "writing digest map entry body hash")
		}
		if len(e.Verity) != sha256Size {
			return errs.Newf(errs.KindCorrupt, "digest map entry has non-sha256 verity digest of length %d", len(e.Verity))
		}
		if _, err := w.Write(e.Verity); err != nil {
			return errs.Wrapf(errs.KindIO, err, "writing digest map entry verity digest")
		}
	}
	return nil
}

// decodeDigestMap reads a digest-map header from r.
func decodeDigestMap(r io.Reader) (*DigestMap, error) {
	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errs.Wrapf(errs.KindCorrupt, err, "reading digest map count")
	}
	count := binary.LittleEndian.Uint64(countBuf[:])
	m := &DigestMap{entries: make([]DigestMapEntry, 0, count)}
	for i := uint64(0); i < count; i++ {
		var body [sha256Size]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, errs.Wrapf(errs.KindCorrupt, err, "reading digest map entry %d body hash", i)
		}
		var verity [sha256Size]byte
		if _, err := io.ReadFull(r, verity[:]); err != nil {
			return nil, errs.Wrapf(errs.KindCorrupt, err, "reading digest map entry %d verity digest", i)
		}
		bodyDigest := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(body[:]))
		verityCopy := make([]byte, sha256Size)
		copy(verityCopy, verity[:])
		m.entries = append(m.entries, DigestMapEntry{Body: bodyDigest, Verity: fsverity.Digest(verityCopy)})
	}
	return m, nil
}
