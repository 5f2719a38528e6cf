package mountglue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/containers/composefs-repo/internal/tmpdir"
	"github.com/containers/composefs-repo/repo"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func procSelfFD(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// fsHandle wraps an fsopen(2) context file descriptor (spec §6's mount-API
// surface), closed once the mount it describes has been created.
type fsHandle struct {
	fd int
}

func openFS(name string) (*fsHandle, error) {
	fd, err := unix.Fsopen(name, unix.FSOPEN_CLOEXEC)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "fsopen(%q)", name)
	}
	return &fsHandle{fd: fd}, nil
}

func (h *fsHandle) setString(key, value string) error {
	if err := unix.FsconfigSetString(h.fd, key, value); err != nil {
		return errs.Wrapf(errs.KindIO, err, "fsconfig_set_string(%q, %q)", key, value)
	}
	return nil
}

func (h *fsHandle) create() error {
	if err := unix.FsconfigCreate(h.fd); err != nil {
		return errs.Wrapf(errs.KindIO, err, "fsconfig_create")
	}
	return nil
}

func (h *fsHandle) close() { unix.Close(h.fd) }

// mountFS turns an fsopen'd, fsconfig'd context into a detached mount
// object fd via fsmount(2).
func (h *fsHandle) mountFS() (int, error) {
	mfd, err := unix.Fsmount(h.fd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return -1, errs.Wrapf(errs.KindIO, err, "fsmount")
	}
	return mfd, nil
}

// moveMountTo attaches a detached mount fd at target.
func moveMountTo(mountFD int, target string) error {
	if err := unix.MoveMount(mountFD, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return errs.Wrapf(errs.KindIO, err, "move_mount to %q", target)
	}
	return nil
}

// mountTemp mounts an already-fsconfig'd EROFS context at a throwaway
// directory under tmpDir (the same configurable-staging-directory pattern
// internal/tmpdir grounds for big temporary files elsewhere in the
// repository), since overlayfs's lowerdir option needs a path, not an fd
// (spec §4.8: "a temporary throwaway mount of that EROFS").
func mountTemp(erofs *fsHandle, tmpDir string) (dir string, cleanup func(), err error) {
	mfd, err := erofs.mountFS()
	if err != nil {
		return "", nil, err
	}
	defer unix.Close(mfd)

	tmp, err := tmpdir.MkDirBigFileTemp(tmpDir, "-erofs")
	if err != nil {
		return "", nil, errs.Wrapf(errs.KindIO, err, "creating temporary EROFS mountpoint")
	}
	if err := moveMountTo(mfd, tmp); err != nil {
		os.Remove(tmp)
		return "", nil, err
	}
	cleanup = func() {
		if err := unix.Unmount(tmp, unix.MNT_DETACH); err != nil {
			logrus.WithError(err).Warn("mountglue: lazy-unmounting temporary EROFS mount failed")
		}
		os.Remove(tmp)
	}
	return tmp, cleanup, nil
}

// Options configures Mount.
type Options struct {
	// RequireVerity sets overlayfs's verity=require, rejecting any lowerdir
	// file the kernel cannot verify against its recorded fsverity digest.
	RequireVerity bool
	// TempDir overrides where the throwaway EROFS mountpoint directory is
	// created; empty uses the process default temporary directory.
	TempDir string
}

// Mount implements spec §4.8: it opens an EROFS filesystem context on
// image's fd, a throwaway mount of that EROFS, and layers an overlayfs
// context over it with datadir pointed at objectsDir (so metacopy reads
// redirect into the object pool), then moves the composed mount to
// mountpoint.
func Mount(image *os.File, objectsDir, mountpoint string, opts Options) error {
	erofs, err := openFS("erofs")
	if err != nil {
		return err
	}
	defer erofs.close()
	if err := erofs.setString("source", procSelfFD(int(image.Fd()))); err != nil {
		return err
	}
	if err := erofs.create(); err != nil {
		return err
	}

	tmp, cleanupTmp, err := mountTemp(erofs, opts.TempDir)
	if err != nil {
		return err
	}
	defer cleanupTmp()

	overlay, err := openFS("overlay")
	if err != nil {
		return err
	}
	defer overlay.close()
	if err := overlay.setString("metacopy", "on"); err != nil {
		return err
	}
	if err := overlay.setString("redirect_dir", "on"); err != nil {
		return err
	}
	if err := overlay.setString("lowerdir+", tmp); err != nil {
		return err
	}
	if err := overlay.setString("datadir+", objectsDir); err != nil {
		return err
	}
	if opts.RequireVerity {
		if err := overlay.setString("verity", "require"); err != nil {
			return err
		}
	}
	if err := overlay.create(); err != nil {
		return err
	}

	mfd, err := overlay.mountFS()
	if err != nil {
		return err
	}
	defer unix.Close(mfd)

	return moveMountTo(mfd, mountpoint)
}

// MountImage opens the sealed image object identified by imageVerity out of
// r's store and mounts it at mountpoint, composing it per Mount. This is
// the entry point a boot-time or "composefs-mount" CLI path (spec §6) uses
// once it has a verified fsverity digest in hand, e.g. from ParseCmdline.
func MountImage(r *repo.Repository, imageVerity fsverity.Digest, mountpoint string, opts Options) error {
	f, err := r.Store.OpenObject(imageVerity)
	if err != nil {
		return pkgerrors.Wrapf(err, "mounting image %s at %s", imageVerity.Hex(), mountpoint)
	}
	defer f.Close()
	if err := Mount(f, filepath.Join(r.Dir, "objects"), mountpoint, opts); err != nil {
		return pkgerrors.Wrapf(err, "mounting image %s at %s", imageVerity.Hex(), mountpoint)
	}
	return nil
}
