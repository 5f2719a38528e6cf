// Package repo is the repository façade (spec §4.2): the single entry
// point that wires the object store, split-stream codec, naming symlinks,
// locking, and garbage collection together into the on-disk layout of
// §6.
//
// Grounded on storage/storage_transport.go's reference-parsing idiom
// (hexdigest vs. named ref) and oci/oci_dest.go's directory layout
// conventions, adapted from a registry-blob-store shape to this spec's
// local, symlink-indexed repository.
package repo

import (
	"os"
	"path/filepath"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/containers/composefs-repo/object"
	"github.com/containers/composefs-repo/splitstream"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// Options configures a Repository, generalizing containers-image's
// types.SystemContext down to the handful of knobs this local repository
// actually needs.
type Options struct {
	// InsecureAllowNoLock disables flock-based locking, for tests running
	// on filesystems or platforms where advisory locks are unavailable.
	InsecureAllowNoLock bool
}

// Repository is the on-disk content-addressed repository rooted at Dir.
// All paths passed to Store methods are relative to Dir, matching
// object.Store's own convention.
type Repository struct {
	Dir    string
	Store  *object.Store
	opts   Options
	lockFD *os.File
}

// Open opens (creating if necessary) the repository rooted at dir and
// acquires a shared lock for the lifetime of the returned Repository.
// Callers must call Close.
func Open(dir string, opts Options) (*Repository, error) {
	for _, sub := range []string{"objects", "streams", "streams/refs", "streams/by-sha256", "images", "images/refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, errs.Wrapf(errs.KindIO, err, "creating repository directory %q", sub)
		}
	}
	r := &Repository{Dir: dir, Store: object.New(dir), opts: opts}
	if err := r.lock(false); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenUser opens the default per-user repository, mirroring containers-image's
// OpenUser/OpenSystem split for where state lives (spec "Supplemented Features").
func OpenUser() (*Repository, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "resolving user home directory")
	}
	return Open(filepath.Join(home, ".local/share/composefs-repo"), Options{})
}

// OpenSystem opens the default system-wide repository.
func OpenSystem() (*Repository, error) {
	return Open("/var/lib/composefs-repo", Options{})
}

// Close releases the repository's lock.
func (r *Repository) Close() error {
	if r.lockFD == nil {
		return nil
	}
	err := r.lockFD.Close()
	r.lockFD = nil
	return err
}

func streamRelPath(hexDigest string) string  { return filepath.Join("streams", hexDigest) }
func streamRefRelPath(name string) string    { return filepath.Join("streams", "refs", name) }
func streamByShaRelPath(hexDigest string) string { return filepath.Join("streams", "by-sha256", hexDigest) }
func imageRelPath(hexDigest string) string   { return filepath.Join("images", hexDigest) }
func imageRefRelPath(name string) string     { return filepath.Join("images", "refs", name) }

// EnsureStream implements spec §4.2 ensure_stream: `streams/<hex>` is
// keyed by the split-stream object's own fsverity digest (the same
// convention images/<hex> uses); `streams/by-sha256/<hex>` is a secondary
// index keyed by the upstream content-sha256, so repeat imports of the
// same layer/config bytes can be recognized without rebuilding. If the
// by-sha256 index already has an entry for contentSHA256, its target's
// fsverity digest is returned without invoking build. Otherwise build
// constructs the stream via a fresh splitstream.Writer, the result is
// stored, and both symlinks are created; if name is non-empty a
// `streams/refs/<name>` reference is also created.
func (r *Repository) EnsureStream(contentSHA256 digest.Digest, name string, build func(*splitstream.Writer) error) (fsverity.Digest, error) {
	shaHex := contentSHA256.Encoded()
	byShaRel := streamByShaRelPath(shaHex)
	if existing, err := r.Store.ResolveObjectDigest(byShaRel); err == nil {
		return existing, nil
	} else if !errs.Is(err, errs.KindNotFound) {
		return nil, err
	}

	verity, err := splitstream.WrapAndFinish(r.Store, contentSHA256, nil, build)
	if err != nil {
		return nil, err
	}

	streamRel := streamRelPath(verity.Hex())
	if err := r.Store.EnsureSymlink(streamRel, object.ObjectPath(verity)); err != nil {
		return nil, err
	}
	if err := r.Store.EnsureSymlink(byShaRel, streamRel); err != nil {
		return nil, err
	}
	if name != "" {
		if err := r.NameStream(name, verity.Hex()); err != nil {
			return nil, err
		}
	}
	logrus.Debugf("repo: ensured stream content-sha256=%s -> verity=%s", shaHex, verity.Hex())
	return verity, nil
}

// NameStream creates streams/refs/<name> pointing at the existing
// streams/<hex> entry. Per the naming-collision open question, this
// fails with KindExists if name is already taken (spec leaves this an
// Open Question; this repository chooses fail-fast over silent
// overwrite — see SPEC_FULL.md's Open Question Decisions).
func (r *Repository) NameStream(name, shaHex string) error {
	return r.nameRef(streamRefRelPath(name), streamRelPath(shaHex))
}

// NameImage creates images/refs/<name> pointing at the existing
// images/<hex> entry, with the same fail-on-collision behavior.
func (r *Repository) NameImage(name, hexDigest string) error {
	return r.nameRef(imageRefRelPath(name), imageRelPath(hexDigest))
}

func (r *Repository) nameRef(refRel, targetRel string) error {
	refFull := filepath.Join(r.Dir, refRel)
	if _, err := os.Lstat(refFull); err == nil {
		return errs.Newf(errs.KindExists, "reference %q already exists", refRel)
	} else if !os.IsNotExist(err) {
		return errs.Wrapf(errs.KindIO, err, "checking reference %q", refRel)
	}
	return r.Store.EnsureSymlink(refRel, targetRel)
}

// UnnameStream and UnnameImage remove a streams/refs or images/refs entry
// by its name (not
// the full relative path); a missing ref is a no-op.
func (r *Repository) UnnameStream(name string) error { return r.unname(streamRefRelPath(name)) }
func (r *Repository) UnnameImage(name string) error  { return r.unname(imageRefRelPath(name)) }

func (r *Repository) unname(refRel string) error {
	if err := os.Remove(filepath.Join(r.Dir, refRel)); err != nil && !os.IsNotExist(err) {
		return errs.Wrapf(errs.KindIO, err, "removing reference %q", refRel)
	}
	return nil
}

// StreamReader couples a splitstream.Reader with the underlying object
// file descriptor it was opened from, so callers have a single Close.
type StreamReader struct {
	*splitstream.Reader
	file *os.File
}

// Close releases both the split-stream decompressor and the backing fd.
func (sr *StreamReader) Close() error {
	sr.Reader.Close()
	return sr.file.Close()
}

// OpenStream implements spec §4.2 open_stream: name is either a bare hex
// digest (verified if expectedVerity is non-nil) or a `refs/<name>` path
// (opened untrusted, since named refs are not self-certifying).
func (r *Repository) OpenStream(name string, expectedVerity fsverity.Digest) (*StreamReader, error) {
	relPath := filepath.Join("streams", name)
	verity := expectedVerity
	if verity == nil {
		resolved, err := r.Store.ResolveObjectDigest(relPath)
		if err != nil {
			return nil, err
		}
		verity = resolved
	}
	f, err := r.Store.OpenVerified(relPath, verity)
	if err != nil {
		return nil, err
	}
	sr, err := splitstream.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &StreamReader{Reader: sr, file: f}, nil
}

// WriteImage implements spec §4.2 write_image: stores data as an image
// object and optionally names it.
func (r *Repository) WriteImage(data []byte, name string) (fsverity.Digest, error) {
	verity, err := r.Store.EnsureObject(data)
	if err != nil {
		return nil, err
	}
	if err := r.Store.EnsureSymlink(imageRelPath(verity.Hex()), object.ObjectPath(verity)); err != nil {
		return nil, err
	}
	if name != "" {
		if err := r.NameImage(name, verity.Hex()); err != nil {
			return nil, err
		}
	}
	return verity, nil
}
