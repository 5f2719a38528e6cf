// Package fsverity computes the Merkle-root digest the Linux kernel's
// fsverity feature assigns to a file, and provides thin wrappers over the
// two fsverity ioctls.
package fsverity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
)

// Algorithm identifies one of the two fsverity hash algorithms supported by
// the kernel interface. These values match FS_VERITY_HASH_ALG_* in
// /usr/include/linux/fsverity.h; no others are ever introduced.
type Algorithm uint32

const (
	SHA256 Algorithm = 1
	SHA512 Algorithm = 2

	blockSize       = 4096
	logBlockSize    = 12
	descriptorBytes = 256 // sizeof(struct fsverity_descriptor)
)

// Size returns the digest width in bytes for the algorithm.
func (a Algorithm) Size() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	default:
		panic(fmt.Sprintf("fsverity: unsupported algorithm %d", a))
	}
}

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(a))
	}
}

// Digest is the fsverity descriptor digest of a file: the output of Hash.
// It is fixed-width per algorithm (32 bytes for SHA256, 64 for SHA512).
type Digest []byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d)
}

// ParseHex decodes a hex string into a Digest, inferring the algorithm from
// its length (32 bytes -> SHA256, 64 bytes -> SHA512).
func ParseHex(s string) (Digest, Algorithm, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, 0, fmt.Errorf("fsverity: invalid hex digest %q: %w", s, err)
	}
	switch len(raw) {
	case sha256.Size:
		return Digest(raw), SHA256, nil
	case sha512.Size:
		return Digest(raw), SHA512, nil
	default:
		return nil, 0, fmt.Errorf("fsverity: digest %q has unexpected length %d", s, len(raw))
	}
}

// merkleLayer accumulates 4 KiB pages of hash values at one level of the
// Merkle tree, hashing its own 4 KiB of accumulated input once full.
type merkleLayer struct {
	algo      Algorithm
	h         hash.Hash
	remaining int
}

func newMerkleLayer(algo Algorithm) *merkleLayer {
	return &merkleLayer{algo: algo, h: algo.newHash(), remaining: blockSize}
}

func (l *merkleLayer) addData(data []byte) {
	l.h.Write(data)
	l.remaining -= len(data)
}

// complete zero-pads the current page to a full block, hashes it, and
// resets the layer to accept the next page.
func (l *merkleLayer) complete() []byte {
	if l.remaining > 0 {
		var zero [blockSize]byte
		l.h.Write(zero[:l.remaining])
	}
	sum := l.h.Sum(nil)
	l.h = l.algo.newHash()
	l.remaining = blockSize
	return sum
}

// Hasher incrementally computes the fsverity Merkle-root digest of a byte
// stream, 4 KiB page at a time, mirroring the recursive construction the
// kernel uses: page hashes are grouped into 4 KiB blocks of their own and
// hashed again, recursively, until a single root value remains.
type Hasher struct {
	algo    Algorithm
	layers  []*merkleLayer
	value   []byte // set once a root value is known for the data seen so far
	nBytes  uint64
	hashLen int
}

// NewHasher creates a Hasher for the given algorithm.
func NewHasher(algo Algorithm) *Hasher {
	return &Hasher{algo: algo, hashLen: algo.Size()}
}

// AddData feeds up to one 4 KiB page of file content into the hasher. The
// caller is responsible for chunking larger buffers into <=4096-byte pieces
// (Hash, below, does this automatically).
func (h *Hasher) AddData(data []byte) {
	if len(data) > blockSize {
		panic("fsverity: AddData called with more than one page")
	}
	if h.value != nil {
		// We had a complete root for everything so far, but new data is
		// arriving: that root becomes the first page of a new bottom layer.
		layer := newMerkleLayer(h.algo)
		layer.addData(h.value)
		h.layers = append(h.layers, layer)
		h.value = nil
	}

	page := newMerkleLayer(h.algo)
	page.addData(data)
	value := page.complete()
	h.nBytes += uint64(len(data))

	for _, layer := range h.layers {
		layer.addData(value)
		if layer.remaining != 0 {
			return
		}
		value = layer.complete()
	}
	h.value = value
}

// RootHash returns the Merkle root for all data added so far. It may be
// called repeatedly: the first call folds the partially filled layers into
// the root and caches it, and later calls return that cached value. AddData
// after RootHash does not extend the same tree.
func (h *Hasher) RootHash() []byte {
	if h.value != nil {
		return h.value
	}

	zero := make([]byte, h.hashLen)
	value := make([]byte, h.hashLen)
	for _, layer := range h.layers {
		if string(value) != string(zero) {
			layer.addData(value)
		}
		if layer.remaining != blockSize {
			value = layer.complete()
		} else {
			value = make([]byte, h.hashLen)
		}
	}
	h.value = value
	return value
}

// Digest returns the fsverity descriptor digest: SHA-256 (always SHA-256,
// regardless of the Merkle tree's own algorithm, so the result is 32 bytes
// even for a SHA512 Hasher) of the kernel's fsverity_descriptor layout:
// version, algorithm, log2(block-size), salt-size, a reserved sig_size
// field, the little-endian data size, a 64-byte root-hash field (the
// SHA-256 root padded with zeros to fill it), a 32-byte salt field (always
// zero, since salting is not used here), and 144 reserved bytes — 256 bytes
// total.
func (h *Hasher) Digest() Digest {
	root := h.RootHash()

	d := sha256.New()
	d.Write([]byte{1})            // version
	d.Write([]byte{byte(h.algo)}) // hash_algorithm
	d.Write([]byte{logBlockSize}) // log_blocksize
	d.Write([]byte{0})            // salt_size
	d.Write(make([]byte, 4))      // sig_size (reserved here, always 0)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], h.nBytes)
	d.Write(sizeBuf[:])
	d.Write(root)
	d.Write(make([]byte, 64-len(root))) // pad root_hash field to 64 bytes
	d.Write(make([]byte, 32))           // salt
	d.Write(make([]byte, 144))          // reserved
	return Digest(d.Sum(nil))
}

// Hash computes the fsverity digest of a complete in-memory buffer using
// SHA256, the only algorithm this repository writes objects with (SHA512
// support in ParseHex exists for reading digests produced elsewhere).
func Hash(buffer []byte) Digest {
	h := NewHasher(SHA256)
	for start := 0; start < len(buffer); {
		end := start + blockSize
		if end > len(buffer) {
			end = len(buffer)
		}
		h.AddData(buffer[start:end])
		start = end
	}
	// An empty buffer never calls AddData, so RootHash's all-zero default
	// value is returned unchanged: this is the documented all-zero root for
	// empty files.
	return h.Digest()
}
