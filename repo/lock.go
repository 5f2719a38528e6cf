package repo

import (
	"os"

	"github.com/containers/composefs-repo/errs"
	"golang.org/x/sys/unix"
)

// lock acquires the repository directory's advisory lock: shared unless
// exclusive is true. Readers hold a shared lock for the Repository's
// lifetime; GC upgrades to exclusive for the duration of its sweep (spec
// §5 "Shared-resource policy").
func (r *Repository) lock(exclusive bool) error {
	if r.opts.InsecureAllowNoLock {
		return nil
	}
	f, err := os.Open(r.Dir)
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "opening repository directory %q for locking", r.Dir)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return errs.Wrapf(errs.KindIO, err, "locking repository directory %q", r.Dir)
	}
	r.lockFD = f
	return nil
}

// withExclusiveLock upgrades to an exclusive lock for the duration of fn,
// then downgrades back to shared, matching spec §5's GC locking
// discipline exactly (readers block GC; GC excludes concurrent writers).
func (r *Repository) withExclusiveLock(fn func() error) error {
	if r.opts.InsecureAllowNoLock {
		return fn()
	}
	if err := unix.Flock(int(r.lockFD.Fd()), unix.LOCK_EX); err != nil {
		return errs.Wrapf(errs.KindIO, err, "upgrading repository lock to exclusive")
	}
	defer func() {
		_ = unix.Flock(int(r.lockFD.Fd()), unix.LOCK_SH)
	}()
	return fn()
}
