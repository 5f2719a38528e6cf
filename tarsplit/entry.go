package tarsplit

import (
	"strconv"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/splitstream"
)

// TarEntry is one fully-resolved tar entry: GNU long name/link already
// folded in, PAX extended headers already applied. This is what
// tarsplit.Reader.Next hands back; tarsplit.Split never constructs one —
// it works off rawHeader directly since it only needs to decide
// inline-vs-external, not expose a friendly entry to its caller.
type TarEntry struct {
	Name     string
	LinkName string
	Mode     int64
	UID      int64
	GID      int64
	Size     int64
	MtimeSec int64
	Typeflag byte
	Devmajor int64
	Devminor int64
	Xattrs   map[string]string

	// Payload is set for regular files: either inline data (length ==
	// Size) or, if External is non-nil, a reference to the object storing
	// the content (length of the referenced object == Size).
	Payload  []byte
	External *splitstream.Record
}

func (e *TarEntry) IsDir() bool       { return e.Typeflag == typeDir }
func (e *TarEntry) IsSymlink() bool   { return e.Typeflag == typeSymlink }
func (e *TarEntry) IsHardlink() bool  { return e.Typeflag == typeLink }
// isRegularTypeflag reports whether typeflag should be treated as a
// regular file. GNU's "contiguous file" typeflag is included: every
// consumer treats it identically to a plain regular file, it only ever
// mattered to tape drives.
func isRegularTypeflag(typeflag byte) bool {
	return typeflag == typeRegular || typeflag == typeContinuous
}

func (e *TarEntry) IsRegular() bool { return isRegularTypeflag(e.Typeflag) }
func (e *TarEntry) IsDevice() bool    { return e.Typeflag == typeBlock || e.Typeflag == typeChar }
func (e *TarEntry) IsBlockDevice() bool { return e.Typeflag == typeBlock }
func (e *TarEntry) IsCharDevice() bool  { return e.Typeflag == typeChar }
func (e *TarEntry) IsFifo() bool      { return e.Typeflag == typeFifo }

// Reader replays tar entries out of a Split Stream, reversing Split:
// consumes inline 512-byte header blocks, accumulates GNU long name/link
// and PAX extended-header entries (which carry no payload of their own),
// and folds their contents into the following real entry.
//
// Grounded on original_source/src/oci/tar.rs's get_entry(), which performs
// the same accumulate-then-apply dance against the Rust tar crate's raw
// header type.
type Reader struct {
	sr *splitstream.Reader
}

func NewReader(sr *splitstream.Reader) *Reader {
	return &Reader{sr: sr}
}

// Next returns the next fully-resolved entry, or (nil, nil) once the
// stream is exhausted. All-zero header blocks, including the pair tar
// terminates with, are skipped rather than ending iteration.
func (r *Reader) Next() (*TarEntry, error) {
	var pendingLongName, pendingLongLink string
	var pendingXattrs map[string]string
	havePendingName, havePendingLink := false, false

	for {
		var header [blockSize]byte
		ok, err := r.sr.ReadInlineExact(header[:])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if header == zeroBlock {
			// tar terminates with two all-zero blocks; a single one found
			// mid-stream (not at EOF) is still just skippable padding.
			continue
		}

		h, err := parseRawHeader(header[:])
		if err != nil {
			return nil, err
		}
		storedSize := int(alignedSize(h.Size))

		switch h.Typeflag {
		case typeGNULongName, typeGNULongLink:
			rec, err := r.sr.ReadExact(int(h.Size), storedSize)
			if err != nil {
				return nil, err
			}
			name := strings.TrimRight(string(rec.Data), "\x00")
			if h.Typeflag == typeGNULongName {
				pendingLongName, havePendingName = name, true
			} else {
				pendingLongLink, havePendingLink = name, true
			}
			continue

		case typeXHeader:
			rec, err := r.sr.ReadExact(int(h.Size), storedSize)
			if err != nil {
				return nil, err
			}
			fields, err := parsePaxRecords(rec.Data)
			if err != nil {
				return nil, err
			}
			if v, ok := fields["path"]; ok {
				pendingLongName, havePendingName = v, true
			}
			if v, ok := fields["linkpath"]; ok {
				pendingLongLink, havePendingLink = v, true
			}
			for k, v := range fields {
				const xattrPrefix = "SCHILY.xattr."
				if strings.HasPrefix(k, xattrPrefix) {
					if pendingXattrs == nil {
						pendingXattrs = map[string]string{}
					}
					pendingXattrs[strings.TrimPrefix(k, xattrPrefix)] = v
				}
			}
			continue

		case typeXGlobalHeader:
			if _, err := r.sr.ReadExact(int(h.Size), storedSize); err != nil {
				return nil, err
			}
			continue
		}

		entry := &TarEntry{
			Name:     h.Name,
			LinkName: h.LinkName,
			Mode:     h.Mode,
			UID:      h.UID,
			GID:      h.GID,
			Size:     h.Size,
			MtimeSec: h.MtimeSec,
			Typeflag: h.Typeflag,
			Xattrs:   pendingXattrs,
		}
		if havePendingName {
			entry.Name = pendingLongName
		}
		if havePendingLink {
			entry.LinkName = pendingLongLink
		}
		if entry.IsDevice() {
			if !h.HasMajorMinor {
				return nil, errs.Newf(errs.KindCorrupt, "device entry %q missing major/minor", entry.Name)
			}
			entry.Devmajor = h.Major
			entry.Devminor = h.Minor
		}

		if isRegularTypeflag(h.Typeflag) && storedSize > 0 {
			rec, err := r.sr.ReadExact(int(h.Size), storedSize)
			if err != nil {
				return nil, err
			}
			if rec.Digest != nil {
				entry.External = &rec
			} else {
				entry.Payload = rec.Data
			}
		} else if storedSize > 0 {
			var buf [blockSize]byte
			// Non-regular entries with a nonzero Size (rare; e.g. some
			// writers store an empty block anyway) are still emitted
			// inline by Split, read them back the same way in bulk.
			remaining := storedSize
			data := make([]byte, 0, storedSize)
			for remaining > 0 {
				n := remaining
				if n > blockSize {
					n = blockSize
				}
				if ok, err := r.sr.ReadInlineExact(buf[:n]); err != nil || !ok {
					if err == nil {
						err = errs.New(errs.KindCorrupt, "truncated tar entry body")
					}
					return nil, err
				}
				data = append(data, buf[:n]...)
				remaining -= n
			}
			entry.Payload = data[:h.Size]
		}

		return entry, nil
	}
}

// parsePaxRecords parses the "<len> <key>=<value>\n"-per-record PAX
// extended header format.
func parsePaxRecords(data []byte) (map[string]string, error) {
	fields := map[string]string{}
	for len(data) > 0 {
		sp := -1
		for i, b := range data {
			if b == ' ' {
				sp = i
				break
			}
		}
		if sp < 0 {
			return nil, errs.New(errs.KindCorrupt, "malformed PAX record: missing length prefix")
		}
		recLen, err := strconv.Atoi(string(data[:sp]))
		if err != nil || recLen <= sp+1 || recLen > len(data) {
			return nil, errs.New(errs.KindCorrupt, "malformed PAX record length")
		}
		rest := data[sp+1 : recLen-1] // drop trailing '\n'
		eq := -1
		for i, b := range rest {
			if b == '=' {
				eq = i
				break
			}
		}
		if eq < 0 {
			return nil, errs.New(errs.KindCorrupt, "malformed PAX record: missing '='")
		}
		fields[string(rest[:eq])] = string(rest[eq+1:])
		data = data[recLen:]
	}
	return fields, nil
}
