package splitstream

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/klauspost/compress/zstd"
)

func shaSum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// chunk is one frame read off the wire: either inline data or an external
// reference.
type chunk struct {
	external bool
	digest   fsverity.Digest
	data     []byte
}

// readChunk reads one frame from r, matching the wire format of spec §3:
// a little-endian u64 size, then either 32 bytes (size==0, external
// reference) or size bytes (inline data). Returns (nil, nil) at a clean
// EOF between frames.
func readChunk(r io.Reader) (*chunk, error) {
	var sizeBuf [8]byte
	n, err := io.ReadFull(r, sizeBuf[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, nil
		}
		return nil, errs.Wrapf(errs.KindCorrupt, err, "reading split-stream frame size (truncated mid-record)")
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])
	if size == 0 {
		digest := make([]byte, sha256Size)
		if _, err := io.ReadFull(r, digest); err != nil {
			return nil, errs.Wrapf(errs.KindCorrupt, err, "reading split-stream external reference")
		}
		return &chunk{external: true, digest: fsverity.Digest(digest)}, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errs.Wrapf(errs.KindCorrupt, err, "reading split-stream inline frame (%d bytes expected)", size)
	}
	return &chunk{data: data}, nil
}

// Reader replays a Split Stream: its digest map and a chunked
// inline/external interface mirroring the writer's call sequence.
type Reader struct {
	r       io.Reader // the decompressed body
	zr      *zstd.Decoder
	digests *DigestMap
	pending []byte // bytes remaining from the current inline frame
}

// NewReader reads the plaintext digest-map header from r, then wraps the
// remainder (the compressed body) in a zstd decompressor. The header is
// written uncompressed by WrapAndFinish so it can be read without paying
// for decompression when only the digest map is needed; only the body that
// follows it is zstd-compressed.
func NewReader(r io.Reader) (*Reader, error) {
	maps, err := decodeDigestMap(r)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errs.Wrapf(errs.KindCorrupt, err, "opening zstd decompressor on split stream")
	}
	return &Reader{r: zr, zr: zr, digests: maps}, nil
}

// Close releases the decompressor.
func (sr *Reader) Close() {
	sr.zr.Close()
}

// DigestMap returns the stream's digest map.
func (sr *Reader) DigestMap() *DigestMap {
	return sr.digests
}

// nextChunk returns the next frame, consulting sr.pending first.
func (sr *Reader) nextChunk() (*chunk, error) {
	if len(sr.pending) > 0 {
		c := &chunk{data: sr.pending}
		sr.pending = nil
		return c, nil
	}
	return readChunk(sr.r)
}

// ReadInlineExact reads exactly len(buf) bytes of inline data into buf,
// failing with KindCorrupt if the next frame is external. Returns false
// cleanly at EOF (no more frames at all); assumes inline data is never
// split oddly across a boundary that would require re-merging multiple
// frames to satisfy one call (true for all writers in this package, since
// WriteInline coalesces into a single frame per flush).
func (sr *Reader) ReadInlineExact(buf []byte) (bool, error) {
	if len(sr.pending) == 0 {
		c, err := readChunk(sr.r)
		if err != nil {
			return false, err
		}
		if c == nil {
			return false, nil
		}
		if c.external {
			return false, errs.New(errs.KindCorrupt, "expected inline data but found external reference")
		}
		sr.pending = c.data
	}
	if len(sr.pending) < len(buf) {
		return false, errs.Newf(errs.KindCorrupt, "inline frame shorter than requested (%d < %d)", len(sr.pending), len(buf))
	}
	copy(buf, sr.pending[:len(buf)])
	sr.pending = sr.pending[len(buf):]
	return true, nil
}

// Record is the result of ReadExact: either an external reference (with
// Digest set) or inline data (with Data set).
type Record struct {
	Digest fsverity.Digest
	Data   []byte
}

// ReadExact reads one logical record of actualSize bytes whose on-wire
// stored size was storedSize (the two differ when padding was written
// after an external reference). If the next frame is external, it returns
// the referenced digest and, if actualSize < storedSize, also consumes
// storedSize-actualSize bytes of inline padding that must immediately
// follow in the next inline frame. If the next frame is inline, it reads
// exactly storedSize bytes and truncates the result to actualSize.
func (sr *Reader) ReadExact(actualSize, storedSize int) (Record, error) {
	if len(sr.pending) == 0 {
		c, err := readChunk(sr.r)
		if err != nil {
			return Record{}, err
		}
		if c == nil {
			return Record{}, errs.New(errs.KindCorrupt, "unexpected EOF reading split-stream record")
		}
		if c.external {
			if actualSize != storedSize {
				padding := storedSize - actualSize
				next, err := readChunk(sr.r)
				if err != nil {
					return Record{}, err
				}
				if next == nil {
					return Record{}, errs.New(errs.KindCorrupt, "unexpected EOF reading external reference padding")
				}
				if next.external {
					return Record{}, errs.New(errs.KindCorrupt, "expected inline padding but found external reference")
				}
				if len(next.data) < padding {
					return Record{}, errs.Newf(errs.KindCorrupt, "inline padding frame shorter than requested (%d < %d)", len(next.data), padding)
				}
				sr.pending = next.data[padding:]
			}
			return Record{Digest: c.digest}, nil
		}
		sr.pending = c.data
	}
	if len(sr.pending) < storedSize {
		return Record{}, errs.Newf(errs.KindCorrupt, "inline frame shorter than requested (%d < %d)", len(sr.pending), storedSize)
	}
	data := sr.pending[:storedSize]
	sr.pending = sr.pending[storedSize:]
	out := make([]byte, actualSize)
	copy(out, data[:actualSize])
	return Record{Data: out}, nil
}

// Loader resolves an external reference's fsverity digest to its bytes,
// typically object.Store.ReadObject.
type Loader func(fsverity.Digest) ([]byte, error)

// Cat reconstitutes the original stream into w by writing inline frames
// verbatim and substituting each external reference with the bytes load
// returns for it.
func (sr *Reader) Cat(w io.Writer, load Loader) error {
	for {
		c, err := sr.nextChunk()
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if c.external {
			data, err := load(c.digest)
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return errs.Wrapf(errs.KindIO, err, "writing reconstituted split-stream data")
			}
			continue
		}
		if _, err := w.Write(c.data); err != nil {
			return errs.Wrapf(errs.KindIO, err, "writing reconstituted split-stream data")
		}
	}
}

// ObjectRefsCallback receives each fsverity digest GetObjectRefs
// encounters.
type ObjectRefsCallback func(fsverity.Digest)

// GetObjectRefs enumerates the fsverity digests used by the stream — both
// digest-map entries and external frame references — without reconstituting
// payloads. This is the primitive GC consumes (spec §4.2 step 3).
func (sr *Reader) GetObjectRefs(cb ObjectRefsCallback) error {
	for _, e := range sr.digests.Entries() {
		cb(e.Verity)
	}
	for {
		c, err := sr.nextChunk()
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if c.external {
			cb(c.digest)
		}
	}
}

// ComputeContentHash reads the whole stream (inline + resolved external
// payloads) and returns the SHA-256 of the reconstructed bytes.
func (sr *Reader) ComputeContentHash(load Loader) ([]byte, error) {
	h := bytes.Buffer{}
	if err := sr.Cat(&h, load); err != nil {
		return nil, err
	}
	return shaSum(h.Bytes()), nil
}
