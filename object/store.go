// Package object implements the repository's content-addressed blob pool:
// deduplicating write, verified open, and the objects/XX/YY… path encoding
// (spec §3, §4.1).
//
// Grounded on containers/image's oci/oci_dest.go PutBlob/blobPath pair (the
// "write, sync, place at a digest-derived path" shape) and on
// internal/tmpdir's anonymous-staging-file idiom, generalized here to the
// two-phase "write, enable verity, link" sequence the fsverity kernel
// interface requires.
package object

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Store is a directory containing a content-addressed pool of objects under
// "objects/XX/YY…". It does not itself hold a lock; Repository (package
// repo) is responsible for locking discipline around Store operations.
type Store struct {
	// Root is the repository directory containing "objects/".
	Root string
}

// New returns a Store rooted at root. The "objects" directory is created
// lazily by EnsureObject.
func New(root string) *Store {
	return &Store{Root: root}
}

// ObjectPath returns the path of the object file for digest, relative to
// Root: "objects/XX/YY…".
func ObjectPath(digest fsverity.Digest) string {
	hex := digest.Hex()
	return filepath.Join("objects", hex[:2], hex[2:])
}

// parseObjectPath is the inverse of ObjectPath's relative form, used when
// resolving a symlink target read back off disk during GC or stream lookup.
func parseObjectPath(rel string) (fsverity.Digest, error) {
	const prefix = "objects/"
	// "objects/XX/YY…" where YY… is 62 hex chars (sha256) or 126 (sha512).
	if len(rel) <= len(prefix)+3 || rel[:len(prefix)] != prefix {
		return nil, errs.Newf(errs.KindCorrupt, "object path %q has incorrect prefix", rel)
	}
	rest := rel[len(prefix):]
	if len(rest) < 3 || rest[2] != '/' {
		return nil, errs.Newf(errs.KindCorrupt, "object path %q has incorrect separator", rel)
	}
	hexStr := rest[:2] + rest[3:]
	if len(hexStr) != 64 && len(hexStr) != 128 {
		return nil, errs.Newf(errs.KindCorrupt, "object path %q has incorrect digest length", rel)
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, errs.Wrapf(errs.KindCorrupt, err, "object path %q is not valid hex", rel)
	}
	return fsverity.Digest(raw), nil
}

func procSelfFD(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// EnsureObject computes the fsverity digest of data and ensures it is
// stored under objects/XX/YY…, returning its digest. If the object already
// exists and is readable, it returns immediately without rewriting
// anything. Otherwise it writes data to an anonymous temporary file inside
// the objects directory (O_TMPFILE), fsyncs, reopens read-only (the kernel
// refuses to enable verity on an fd that ever had a writable handle),
// enables fsverity, re-measures and asserts agreement with the precomputed
// digest, then links the file into place. A second writer racing to insert
// identical bytes also succeeds: the final link tolerates "already exists".
func (s *Store) EnsureObject(data []byte) (fsverity.Digest, error) {
	digest := fsverity.Hash(data)
	rel := ObjectPath(digest)
	full := filepath.Join(s.Root, rel)

	if _, err := os.Stat(full); err == nil {
		return digest, nil
	}

	dir := filepath.Join(s.Root, "objects", digest.Hex()[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "creating object shard directory %s", dir)
	}

	fd, err := unix.Openat(unix.AT_FDCWD, dir, unix.O_RDWR|unix.O_TMPFILE|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "opening anonymous temp file under %s", dir)
	}
	wfile := os.NewFile(uintptr(fd), "")
	abandoned := true
	defer func() {
		if abandoned {
			wfile.Close()
		}
	}()

	if _, err := wfile.Write(data); err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "writing object payload")
	}
	if err := wfile.Sync(); err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "fsyncing object payload")
	}

	roFd, err := unix.Open(procSelfFD(int(wfile.Fd())), unix.O_RDONLY, 0)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "reopening temp file read-only")
	}
	wfile.Close()
	abandoned = false
	rofile := os.NewFile(uintptr(roFd), "")
	defer rofile.Close()

	if err := fsverity.Enable(roFd, fsverity.SHA256); err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "enabling fsverity")
	}

	measured, err := fsverity.Measure(roFd)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIntegrity, err, "measuring fsverity after enable")
	}
	if measured == nil || measured.Hex() != digest.Hex() {
		return nil, errs.Newf(errs.KindIntegrity, "fsverity measurement disagrees with computed digest for new object (filesystem may not support verity)")
	}

	if err := unix.Linkat(unix.AT_FDCWD, procSelfFD(roFd), unix.AT_FDCWD, full, unix.AT_SYMLINK_FOLLOW); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, errs.Wrapf(errs.KindIO, err, "linking object into place at %s", full)
		}
		logrus.WithField("digest", digest.Hex()).Debug("object: concurrent insert of identical object, link raced benignly")
	}

	return digest, nil
}

// OpenVerified opens relPath (relative to Root) read-only, measures its
// fsverity digest, and fails with KindIntegrity if it disagrees with
// expected.
func (s *Store) OpenVerified(relPath string, expected fsverity.Digest) (*os.File, error) {
	full := filepath.Join(s.Root, relPath)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrapf(errs.KindNotFound, err, "opening %s", relPath)
		}
		return nil, errs.Wrapf(errs.KindIO, err, "opening %s", relPath)
	}
	measured, err := fsverity.Measure(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, errs.Wrapf(errs.KindIntegrity, err, "measuring fsverity of %s", relPath)
	}
	if measured == nil {
		f.Close()
		return nil, errs.Newf(errs.KindIntegrity, "%s has no fsverity digest", relPath)
	}
	if measured.Hex() != expected.Hex() {
		f.Close()
		return nil, errs.Newf(errs.KindIntegrity, "digest mismatch opening %s: expected %s, measured %s", relPath, expected.Hex(), measured.Hex())
	}
	return f, nil
}

// OpenObject is OpenVerified(ObjectPath(digest), digest): every non-named
// object open goes through this path.
func (s *Store) OpenObject(digest fsverity.Digest) (*os.File, error) {
	return s.OpenVerified(ObjectPath(digest), digest)
}

// ReadObject opens and fully reads the object named by digest.
func (s *Store) ReadObject(digest fsverity.Digest) ([]byte, error) {
	f, err := s.OpenObject(digest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// EnsureSymlink writes a relative symlink at name (relative to Root)
// pointing at target (also relative to Root), computing the relative path
// by walking up from name's parent directory to the common ancestor with
// target and back down. It is idempotent: an existing symlink is assumed
// immutable by construction and is not re-verified.
func (s *Store) EnsureSymlink(name, target string) error {
	full := filepath.Join(s.Root, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrapf(errs.KindIO, err, "creating parent directory for symlink %s", name)
	}
	rel, err := relativeSymlinkTarget(name, target)
	if err != nil {
		return err
	}
	if err := os.Symlink(rel, full); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errs.Wrapf(errs.KindIO, err, "creating symlink %s -> %s", name, rel)
	}
	return nil
}

// relativeSymlinkTarget computes the relative path from name's parent
// directory to target, both given relative to the repository root.
func relativeSymlinkTarget(name, target string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(name), target)
	if err != nil {
		return "", errs.Wrapf(errs.KindIO, err, "computing relative symlink path from %s to %s", name, target)
	}
	return rel, nil
}

// ReadSymlinkTarget reads the symlink at relPath (relative to the store
// root) and returns its raw target string, without following it further.
// GC and name resolution use it to step through refs and primary entries.
func (s *Store) ReadSymlinkTarget(relPath string) (string, error) {
	full := filepath.Join(s.Root, relPath)
	target, err := os.Readlink(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Wrapf(errs.KindNotFound, err, "reading symlink %s", relPath)
		}
		return "", errs.Wrapf(errs.KindIO, err, "reading symlink %s", relPath)
	}
	return target, nil
}

// ResolveObjectDigest follows relPath's symlink target, joining it against
// relPath's directory, until it resolves to a path of the form
// "objects/XX/YY…", and returns the decoded digest. Intermediate hops
// (e.g. streams/refs/<name> -> ../<hex> -> ../objects/XX/YY…) are followed
// up to a small bound to guard against symlink cycles (impossible by
// construction, but defensive here since this path also runs over
// untrusted ref names).
func (s *Store) ResolveObjectDigest(relPath string) (fsverity.Digest, error) {
	const maxHops = 8
	cur := relPath
	for i := 0; i < maxHops; i++ {
		target, err := s.ReadSymlinkTarget(cur)
		if err != nil {
			return nil, err
		}
		next := filepath.Clean(filepath.Join(filepath.Dir(cur), target))
		if d, ok := objectPathDigest(next); ok {
			return d, nil
		}
		cur = next
	}
	return nil, errs.Newf(errs.KindCorrupt, "symlink chain from %s did not resolve to an object within %d hops", relPath, maxHops)
}

func objectPathDigest(rel string) (fsverity.Digest, bool) {
	d, err := parseObjectPath(rel)
	if err != nil {
		return nil, false
	}
	return d, true
}
