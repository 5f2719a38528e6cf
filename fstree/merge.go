package fstree

import (
	"path"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/tarsplit"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// Root is the filesystem tree being assembled from a sequence of layers
// (spec §4.5). StatSet tracks whether the root directory's own stat has
// been explicitly set by a tar entry at "/", so the caller can apply the
// spec's default (mode 0555, uid/gid 0, mtime = max mtime of any inode
// below the root) when it never was.
type Root struct {
	Dir     *Directory
	StatSet bool
}

// NewRoot returns an empty tree with an uninitialized root directory.
func NewRoot() *Root {
	return &Root{Dir: NewDirectory()}
}

// splitPath splits an absolute path into its directory components and
// final name. "/" itself yields (nil, "").
func splitPath(p string) ([]string, string) {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil, ""
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// ensureDir walks (creating as needed) the directory path given by parts,
// starting at root.Dir, and returns the final directory.
func (r *Root) ensureDir(parts []string) (*Directory, error) {
	cur := r.Dir
	for _, name := range parts {
		sub, err := cur.Mkdir(name, Stat{Mode: 0755})
		if err != nil {
			return nil, err
		}
		cur = sub
	}
	return cur, nil
}

// resolveDir walks an existing directory path without creating anything,
// for whiteout and hardlink target lookups.
func (r *Root) resolveDir(parts []string) (*Directory, error) {
	cur := r.Dir
	for _, name := range parts {
		next, ok := cur.Lookup(name)
		if !ok {
			return nil, errs.Newf(errs.KindNotFound, "path component %q does not exist", name)
		}
		sub, ok := next.(*Directory)
		if !ok {
			return nil, errs.Newf(errs.KindCorrupt, "path component %q is not a directory", name)
		}
		cur = sub
	}
	return cur, nil
}

func statFromEntry(e *tarsplit.TarEntry) Stat {
	s := Stat{
		Mode:     uint32(e.Mode) & 0xFFF,
		UID:      uint32(e.UID),
		GID:      uint32(e.GID),
		MtimeSec: e.MtimeSec,
	}
	for k, v := range e.Xattrs {
		s.SetXattr(k, []byte(v))
	}
	return s
}

// Apply applies one tar entry to the tree, handling whiteouts, hardlinks,
// and the other entry types per spec §4.5.
func (r *Root) Apply(e *tarsplit.TarEntry) error {
	cleanPath := path.Clean("/" + strings.TrimSuffix(e.Name, "/"))

	if cleanPath == "/" {
		// Root directory entry: apply stat directly, no insertion needed.
		r.Dir.Stat = statFromEntry(e)
		r.StatSet = true
		return nil
	}

	dirParts, name := splitPath(cleanPath)

	if name == opaqueMarker {
		dir, err := r.resolveDir(dirParts)
		if err != nil {
			return err
		}
		dir.RemoveAll()
		return nil
	}
	if strings.HasPrefix(name, whiteoutPrefix) {
		dir, err := r.resolveDir(dirParts)
		if err != nil {
			return err
		}
		dir.Remove(strings.TrimPrefix(name, whiteoutPrefix))
		return nil
	}

	parent, err := r.ensureDir(dirParts)
	if err != nil {
		return err
	}

	switch {
	case e.IsDir():
		_, err := parent.Mkdir(name, statFromEntry(e))
		return err

	case e.IsHardlink():
		targetParts, targetName := splitPath(path.Clean("/" + e.LinkName))
		targetDir, err := r.resolveDir(targetParts)
		if err != nil {
			return err
		}
		return parent.Hardlink(name, targetDir, targetName)

	default:
		leaf, err := leafFromEntry(e)
		if err != nil {
			return err
		}
		parent.Insert(name, leaf)
		return nil
	}
}

func leafFromEntry(e *tarsplit.TarEntry) (*Leaf, error) {
	leaf := &Leaf{Stat: statFromEntry(e)}
	switch {
	case e.IsSymlink():
		leaf.Kind = LeafSymlink
		leaf.SymlinkTarget = e.LinkName
	case e.IsFifo():
		leaf.Kind = LeafFifo
	case e.IsBlockDevice():
		leaf.Kind = LeafBlockDevice
		leaf.Rdev = makedev(e.Devmajor, e.Devminor)
	case e.IsCharDevice():
		leaf.Kind = LeafCharDevice
		leaf.Rdev = makedev(e.Devmajor, e.Devminor)
	case e.IsRegular():
		if e.External != nil {
			leaf.Kind = LeafExternal
			leaf.ExternalDigest = e.External.Digest
			leaf.ExternalSize = e.Size
		} else {
			leaf.Kind = LeafInline
			leaf.InlineContent = e.Payload
		}
	default:
		return nil, errs.Newf(errs.KindCorrupt, "unsupported tar entry type %q for %q", e.Typeflag, e.Name)
	}
	return leaf, nil
}

// makedev composes a Linux dev_t from major/minor, matching the kernel's
// encoding (also used by mknod(2)).
func makedev(major, minor int64) uint64 {
	return uint64((minor & 0xff) | ((major & 0xfff) << 8) |
		((minor &^ 0xff) << 12) | ((major &^ 0xfff) << 32))
}

// FinalizeRoot applies the spec's default root stat (mode 0555, uid/gid
// 0, mtime = max mtime of any non-root inode) if no layer ever set it
// explicitly.
func (r *Root) FinalizeRoot() {
	if r.StatSet {
		return
	}
	var newest int64
	var walk func(d *Directory)
	walk = func(d *Directory) {
		for _, e := range d.children {
			switch inode := e.inode.(type) {
			case *Directory:
				newest = max(newest, inode.Stat.MtimeSec)
				walk(inode)
			case *Leaf:
				newest = max(newest, inode.Stat.MtimeSec)
			}
		}
	}
	walk(r.Dir)
	r.Dir.Stat = Stat{Mode: 0555, MtimeSec: newest}
}
