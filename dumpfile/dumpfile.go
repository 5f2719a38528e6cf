// Package dumpfile serializes an assembled fstree.Root into the
// line-oriented textual format the external mkcomposefs packer reads on
// stdin (spec §4.6).
//
// Grounded on original_source/src/dumpfile.rs for the exact field layout
// and escaping rules (mkcomposefs's dumpfile format has no Go precedent
// in the example pack — it is a composefs-tools wire contract, not a
// generic serialization this corpus already does), written in the
// teacher's general style for writers that stream through a bufio.Writer
// (see docker/internal/tarfile/reader.go's buffered-I/O idiom).
package dumpfile

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fstree"
)

// hardlinkKey identifies a leaf by pointer identity so the writer can
// detect "have we already emitted this leaf's content" across directory
// entries sharing it.
type hardlinkKey = *fstree.Leaf

// Write serializes root to w in the mkcomposefs dumpfile format.
func Write(w io.Writer, root *fstree.Root) error {
	bw := bufio.NewWriter(w)
	firstPath := map[hardlinkKey]string{}
	if err := writeDir(bw, "/", root.Dir, firstPath); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return errs.Wrapf(errs.KindIO, err, "flushing dumpfile")
	}
	return nil
}

func writeDir(bw *bufio.Writer, dirPath string, dir *fstree.Directory, firstPath map[hardlinkKey]string) error {
	nlink := 2 + dir.SubdirCount()
	if err := writeLine(bw, dirLine(dirPath, dir, nlink), dir.Stat.Xattrs); err != nil {
		return err
	}

	children := dir.Children()
	for _, c := range children {
		childPath := path.Join(dirPath, c.Name)
		switch inode := c.Inode.(type) {
		case *fstree.Directory:
			if err := writeDir(bw, childPath, inode, firstPath); err != nil {
				return err
			}
		case *fstree.Leaf:
			if err := writeLeaf(bw, childPath, inode, firstPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func dirLine(p string, dir *fstree.Directory, nlink int) []string {
	return []string{
		escapePath(p),
		"0",
		formatMode(dir.Stat.Mode, modeDir),
		fmt.Sprintf("%d", nlink),
		fmt.Sprintf("%d", dir.Stat.UID),
		fmt.Sprintf("%d", dir.Stat.GID),
		"0",
		fmt.Sprintf("%d.0", dir.Stat.MtimeSec),
		"-",
		"-",
		"-",
	}
}

func writeLeaf(bw *bufio.Writer, p string, leaf *fstree.Leaf, firstPath map[hardlinkKey]string) error {
	if existing, seen := firstPath[leaf]; seen {
		return writeLine(bw, []string{
			escapePath(p),
			"0",
			"@120000",
			"1",
			fmt.Sprintf("%d", leaf.Stat.UID),
			fmt.Sprintf("%d", leaf.Stat.GID),
			"0",
			fmt.Sprintf("%d.0", leaf.Stat.MtimeSec),
			escapeField(existing),
			"-",
			"-",
		}, nil)
	}
	firstPath[leaf] = p

	var ifmt uint32
	payload := "-"
	inline := "-"
	digestField := "-"

	switch leaf.Kind {
	case fstree.LeafInline:
		ifmt = modeRegular
		if len(leaf.InlineContent) > 0 {
			inline = escapeContent(leaf.InlineContent)
		}
	case fstree.LeafExternal:
		ifmt = modeRegular
		payload = objectPathHint(leaf.ExternalDigest.Hex())
		digestField = leaf.ExternalDigest.Hex()
	case fstree.LeafSymlink:
		ifmt = modeSymlink
		payload = escapeField(leaf.SymlinkTarget)
	case fstree.LeafFifo:
		ifmt = modeFifo
	case fstree.LeafBlockDevice:
		ifmt = modeBlock
		payload = fmt.Sprintf("%d:%d", leaf.Rdev>>8&0xfff, leaf.Rdev&0xff)
	case fstree.LeafCharDevice:
		ifmt = modeChar
		payload = fmt.Sprintf("%d:%d", leaf.Rdev>>8&0xfff, leaf.Rdev&0xff)
	case fstree.LeafSocket:
		ifmt = modeSocket
	default:
		return errs.Newf(errs.KindCorrupt, "unsupported leaf kind for %q", p)
	}

	return writeLine(bw, []string{
		escapePath(p),
		fmt.Sprintf("%d", leaf.Size()),
		formatMode(leaf.Stat.Mode, ifmt),
		"1",
		fmt.Sprintf("%d", leaf.Stat.UID),
		fmt.Sprintf("%d", leaf.Stat.GID),
		rdevField(leaf),
		fmt.Sprintf("%d.0", leaf.Stat.MtimeSec),
		payload,
		inline,
		digestField,
	}, leaf.Stat.Xattrs)
}

func rdevField(leaf *fstree.Leaf) string {
	if leaf.Kind == fstree.LeafBlockDevice || leaf.Kind == fstree.LeafCharDevice {
		return fmt.Sprintf("%d", leaf.Rdev)
	}
	return "0"
}

// objectPathHint mirrors the object store's objects/XX/YY… sharding so
// the packer can locate externalized content directly.
func objectPathHint(hexDigest string) string {
	if len(hexDigest) < 4 {
		return hexDigest
	}
	return hexDigest[:2] + "/" + hexDigest[2:]
}

const (
	modeFifo    = 0o1 << 12
	modeChar    = 0o2 << 12
	modeDir     = 0o4 << 12
	modeBlock   = 0o6 << 12
	modeRegular = 0o10 << 12
	modeSymlink = 0o12 << 12
	modeSocket  = 0o14 << 12
)

func formatMode(mode uint32, ifmt uint32) string {
	return fmt.Sprintf("%06o", ifmt|(mode&0xFFF))
}

// writeLine writes fields space-separated, followed by xattrs' entries
// (sorted by key, for deterministic output) as trailing "key=value"
// fields, then a newline.
func writeLine(bw *bufio.Writer, fields []string, xattrs map[string][]byte) error {
	for i, f := range fields {
		if i > 0 {
			if err := bw.WriteByte(' '); err != nil {
				return errs.Wrapf(errs.KindIO, err, "writing dumpfile field separator")
			}
		}
		if _, err := bw.WriteString(f); err != nil {
			return errs.Wrapf(errs.KindIO, err, "writing dumpfile field")
		}
	}
	if len(xattrs) > 0 {
		keys := make([]string, 0, len(xattrs))
		for k := range xattrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := bw.WriteString(" " + escapeField(k) + "=" + escapeBytes(xattrs[k])); err != nil {
				return errs.Wrapf(errs.KindIO, err, "writing dumpfile xattr field")
			}
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return errs.Wrapf(errs.KindIO, err, "writing dumpfile newline")
	}
	return nil
}

func isEscaped(b byte) bool {
	return b < 0x20 || b >= 0x7f || b == '=' || b == '\\'
}

func escapeBytes(data []byte) string {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if isEscaped(b) {
			out = append(out, []byte(fmt.Sprintf(`\x%02x`, b))...)
			continue
		}
		out = append(out, b)
	}
	return string(out)
}

func escapeField(s string) string {
	if s == "" {
		return "-"
	}
	return escapeBytes([]byte(s))
}

func escapePath(p string) string {
	return escapeField(p)
}

func escapeContent(data []byte) string {
	if len(data) == 0 {
		return "-"
	}
	return escapeBytes(data)
}
