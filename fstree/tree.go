// Package fstree is an in-memory filesystem tree model: directories and
// leaves with shared, refcounted hardlink targets, xattrs, and ordered
// children. It is the assembly point layer tar streams are replayed into
// (spec §4.5) before the tree is serialized to a dumpfile (§4.6) and
// handed to the external EROFS packer.
//
// Grounded on containers-image's internal/set (ordered, binary-searched
// collections) for the "sorted slice, not a map" discipline, and on
// original_source/src/fsverity/fs.rs's Directory/Leaf/Stat model for the
// tree shape and whiteout semantics themselves — no pack repo builds an
// in-memory overlay filesystem, since that is unique to this domain.
package fstree

import (
	"sort"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
)

// Stat carries the inode metadata common to directories and leaves.
type Stat struct {
	Mode     uint32 // low 12 bits: permission + suid/sgid/sticky
	UID      uint32
	GID      uint32
	MtimeSec int64
	Xattrs   map[string][]byte
}

func (s *Stat) ensureXattrs() {
	if s.Xattrs == nil {
		s.Xattrs = map[string][]byte{}
	}
}

// SetXattr sets one xattr value, creating the map lazily.
func (s *Stat) SetXattr(key string, value []byte) {
	s.ensureXattrs()
	s.Xattrs[key] = value
}

// LeafKind discriminates the content forms a Leaf can hold.
type LeafKind int

const (
	LeafInline LeafKind = iota
	LeafExternal
	LeafBlockDevice
	LeafCharDevice
	LeafFifo
	LeafSocket
	LeafSymlink
)

// Leaf is a non-directory inode: regular file (inline or external
// content), device, fifo, socket, or symlink. Leaves are shared by
// pointer across directory entries that hardlink to them; RefCount
// tracks how many directory entries currently reference this leaf.
type Leaf struct {
	Stat Stat
	Kind LeafKind

	// Inline content, valid when Kind == LeafInline.
	InlineContent []byte

	// External content, valid when Kind == LeafExternal.
	ExternalDigest fsverity.Digest
	ExternalSize   int64

	// Device number, valid when Kind is LeafBlockDevice or LeafCharDevice.
	Rdev uint64

	// Symlink target, valid when Kind == LeafSymlink.
	SymlinkTarget string

	RefCount int
}

// Size returns the leaf's logical content size (0 for devices/fifos/sockets/symlinks
// other than what their content size conventionally reports).
func (l *Leaf) Size() int64 {
	switch l.Kind {
	case LeafInline:
		return int64(len(l.InlineContent))
	case LeafExternal:
		return l.ExternalSize
	case LeafSymlink:
		return int64(len(l.SymlinkTarget))
	default:
		return 0
	}
}

// dirEntry is one (name, inode) pair in a Directory's sorted children.
type dirEntry struct {
	name  string
	inode Inode
}

// Inode is either a *Directory or a *Leaf.
type Inode interface {
	isInode()
}

// Directory is an inode with sorted, uniquely-named children.
type Directory struct {
	Stat     Stat
	children []dirEntry
}

func (*Directory) isInode() {}
func (*Leaf) isInode()      {}

// NewDirectory returns an empty, zero-stat directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// find returns the index of name in d.children (or the insertion point)
// and whether it was found. It implements the binary-search-with-fast-path
// discipline: tar layers are typically emitted in sorted order, so
// comparing against the last child first avoids the full binary search
// for the common append case.
func (d *Directory) find(name string) (int, bool) {
	n := len(d.children)
	if n > 0 {
		switch cmp := strings.Compare(name, d.children[n-1].name); {
		case cmp == 0:
			return n - 1, true
		case cmp > 0:
			return n, false
		}
	}
	i := sort.Search(n, func(i int) bool {
		return d.children[i].name >= name
	})
	if i < n && d.children[i].name == name {
		return i, true
	}
	return i, false
}

// Lookup returns the child inode named name, if any.
func (d *Directory) Lookup(name string) (Inode, bool) {
	i, ok := d.find(name)
	if !ok {
		return nil, false
	}
	return d.children[i].inode, true
}

// Children returns the directory's entries in sorted order. The caller
// must not mutate the returned slice.
func (d *Directory) Children() []struct {
	Name  string
	Inode Inode
} {
	out := make([]struct {
		Name  string
		Inode Inode
	}, len(d.children))
	for i, e := range d.children {
		out[i] = struct {
			Name  string
			Inode Inode
		}{e.name, e.inode}
	}
	return out
}

// SubdirCount returns the number of children that are themselves
// directories, used to compute dumpfile nlink (spec §4.6: `2 +
// subdirectory count`).
func (d *Directory) SubdirCount() int {
	n := 0
	for _, e := range d.children {
		if _, ok := e.inode.(*Directory); ok {
			n++
		}
	}
	return n
}

// insertAt inserts or replaces the entry at name, preserving sort order.
func (d *Directory) insertAt(name string, inode Inode) {
	i, found := d.find(name)
	if found {
		d.children[i].inode = inode
		return
	}
	d.children = append(d.children, dirEntry{})
	copy(d.children[i+1:], d.children[i:])
	d.children[i] = dirEntry{name: name, inode: inode}
}

// Mkdir ensures a directory child named name exists, updating its stat if
// it already does, preserving any existing children. Colliding with a
// non-directory leaf is an error.
func (d *Directory) Mkdir(name string, stat Stat) (*Directory, error) {
	if existing, ok := d.Lookup(name); ok {
		sub, ok := existing.(*Directory)
		if !ok {
			return nil, errs.Newf(errs.KindCorrupt, "mkdir %q: existing entry is not a directory", name)
		}
		sub.Stat = stat
		return sub, nil
	}
	sub := &Directory{Stat: stat}
	d.insertAt(name, sub)
	return sub, nil
}

// Insert replaces (or creates) the entry at name with a new leaf,
// dropping the refcount of whatever was there before.
func (d *Directory) Insert(name string, leaf *Leaf) {
	if existing, ok := d.Lookup(name); ok {
		if oldLeaf, ok := existing.(*Leaf); ok {
			oldLeaf.RefCount--
		}
	}
	leaf.RefCount++
	d.insertAt(name, leaf)
}

// Remove deletes the entry named name, decrementing a leaf's refcount.
// Removing a name that does not exist is a no-op.
func (d *Directory) Remove(name string) {
	i, ok := d.find(name)
	if !ok {
		return
	}
	if leaf, ok := d.children[i].inode.(*Leaf); ok {
		leaf.RefCount--
	}
	d.children = append(d.children[:i], d.children[i+1:]...)
}

// RemoveAll clears the directory's contents (used for the
// `.wh..wh..opq` opaque-directory whiteout).
func (d *Directory) RemoveAll() {
	for _, e := range d.children {
		if leaf, ok := e.inode.(*Leaf); ok {
			leaf.RefCount--
		}
	}
	d.children = nil
}

// Hardlink adds another reference to the leaf found at targetDir/name
// under the name newName in d. Hardlinking to a directory is an error.
func (d *Directory) Hardlink(newName string, targetDir *Directory, targetName string) error {
	target, ok := targetDir.Lookup(targetName)
	if !ok {
		return errs.Newf(errs.KindNotFound, "hardlink target %q does not exist", targetName)
	}
	leaf, ok := target.(*Leaf)
	if !ok {
		return errs.Newf(errs.KindCorrupt, "hardlink target %q is a directory", targetName)
	}
	d.Insert(newName, leaf)
	return nil
}
