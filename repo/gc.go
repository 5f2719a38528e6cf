package repo

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/external"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/containers/composefs-repo/splitstream"
	"github.com/sirupsen/logrus"
)

// GCStats summarizes one collection pass.
type GCStats struct {
	ReachableObjects int
	DeletedObjects   int
	DeletedStreamSymlinks int
	DeletedImageSymlinks  int
}

// GC implements spec §4.2's mark-and-sweep, holding the exclusive lock
// for its full duration. When dryRun is true, nothing is deleted; the
// stats instead report what would have been removed.
func (r *Repository) GC(dryRun bool) (GCStats, error) {
	var stats GCStats
	err := r.withExclusiveLock(func() error {
		// referenced tracks which images/<hex> and streams/<hex> primary
		// entries are named by at least one refs/** symlink (spec step 1).
		// reachable (object digests) is built *from* referenced by marking
		// steps 2/3 below — a primary entry that nothing refs is never
		// walked, so its object never becomes reachable, and both the
		// primary symlink and the object it alone points to are swept in
		// this same pass (spec §8 scenario 4: one GC call, not two).
		referenced := map[string]bool{}
		reachable := map[string]bool{}

		if err := r.seedFromRefs(filepath.Join(r.Dir, "images", "refs"), referenced); err != nil {
			return err
		}
		if err := r.seedFromRefs(filepath.Join(r.Dir, "streams", "refs"), referenced); err != nil {
			return err
		}

		imageHexes, err := listHexEntries(filepath.Join(r.Dir, "images"))
		if err != nil {
			return err
		}
		for _, hex := range imageHexes {
			if !referenced[hex] {
				continue
			}
			digest, err := r.Store.ResolveObjectDigest(imageRelPath(hex))
			if err != nil {
				return err
			}
			reachable[digest.Hex()] = true
			if err := r.markImageRefs(digest, reachable); err != nil {
				return err
			}
		}

		streamHexes, err := listHexEntries(filepath.Join(r.Dir, "streams"))
		if err != nil {
			return err
		}
		for _, hex := range streamHexes {
			if !referenced[hex] {
				continue
			}
			digest, err := r.Store.ResolveObjectDigest(streamRelPath(hex))
			if err != nil {
				return err
			}
			reachable[digest.Hex()] = true
			if err := r.markStreamRefs(digest, reachable); err != nil {
				return err
			}
		}

		stats.ReachableObjects = len(reachable)
		return r.sweep(reachable, referenced, dryRun, &stats)
	})
	return stats, err
}

// seedFromRefs walks every symlink under refsDir, descending into
// subdirectories for ref names containing '/' (spec step 1:
// "every fsverity-digest target reached by walking images/refs/** and
// streams/refs/**"), recording the images/<hex> or streams/<hex> primary
// entry each ref passes through on its way to an object.
func (r *Repository) seedFromRefs(refsDir string, referenced map[string]bool) error {
	entries, err := os.ReadDir(refsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrapf(errs.KindIO, err, "reading refs directory %s", refsDir)
	}
	relDir, err := filepath.Rel(r.Dir, refsDir)
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "computing relative refs path for %s", refsDir)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := r.seedFromRefs(filepath.Join(refsDir, e.Name()), referenced); err != nil {
				return err
			}
			continue
		}
		rel := filepath.Join(relDir, e.Name())
		target, err := r.Store.ReadSymlinkTarget(rel)
		if err != nil {
			return err
		}
		primary := filepath.Clean(filepath.Join(filepath.Dir(rel), target))
		referenced[filepath.Base(primary)] = true
	}
	return nil
}

func listHexEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrapf(errs.KindIO, err, "reading directory %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.Name() == "refs" {
			continue
		}
		if e.Type()&fs.ModeSymlink != 0 {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// markImageRefs runs the external inspector over the image object at
// digest and adds every file-data object it references to reachable
// (spec step 2).
func (r *Repository) markImageRefs(digest fsverity.Digest, reachable map[string]bool) error {
	f, err := r.Store.OpenObject(digest)
	if err != nil {
		return err
	}
	defer f.Close()
	refs, err := external.Inspect(f)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		reachable[ref.Hex()] = true
	}
	return nil
}

// markStreamRefs replays the split-stream body at digest and adds every
// external reference and digest-map entry to reachable (spec step 3).
func (r *Repository) markStreamRefs(digest fsverity.Digest, reachable map[string]bool) error {
	f, err := r.Store.OpenObject(digest)
	if err != nil {
		return err
	}
	defer f.Close()
	sr, err := splitstream.NewReader(f)
	if err != nil {
		return err
	}
	defer sr.Close()
	return sr.GetObjectRefs(func(d fsverity.Digest) {
		reachable[d.Hex()] = true
	})
}

// sweep deletes every objects/XX/YY… not in reachable, and every
// images/<hex> or streams/<hex> symlink not in referenced (spec step 4).
func (r *Repository) sweep(reachable, referenced map[string]bool, dryRun bool, stats *GCStats) error {
	objectsDir := filepath.Join(r.Dir, "objects")
	err := filepath.WalkDir(objectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errs.Wrapf(errs.KindIO, err, "walking objects directory during GC")
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(objectsDir, path)
		if err != nil {
			return errs.Wrapf(errs.KindIO, err, "computing relative object path for %s", path)
		}
		hex := strings.ReplaceAll(rel, string(filepath.Separator), "")
		if reachable[hex] {
			return nil
		}
		stats.DeletedObjects++
		if dryRun {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errs.Wrapf(errs.KindIO, err, "deleting unreachable object %s", path)
		}
		logrus.WithField("digest", hex).Debug("repo: gc deleted unreachable object")
		return nil
	})
	if err != nil {
		return err
	}

	for _, kind := range []struct {
		dir     string
		counter *int
	}{
		{"images", &stats.DeletedImageSymlinks},
		{"streams", &stats.DeletedStreamSymlinks},
	} {
		hexes, err := listHexEntries(filepath.Join(r.Dir, kind.dir))
		if err != nil {
			return err
		}
		for _, hex := range hexes {
			full := filepath.Join(r.Dir, kind.dir, hex)
			if referenced[hex] {
				continue
			}
			*kind.counter++
			if dryRun {
				continue
			}
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return errs.Wrapf(errs.KindIO, err, "deleting unreferenced symlink %s", full)
			}
		}
	}

	return r.sweepByShaIndex(referenced, dryRun, stats)
}

// sweepByShaIndex removes streams/by-sha256/<hex> entries whose target
// streams/<hex> entry was deleted above (the secondary content-hash
// index tracks the primary fsverity-keyed entry's lifetime, not the
// underlying object's — it is itself one hop from a primary entry, never
// a ref, so it is swept by the same referenced-ness test as the primary
// entry it points through).
func (r *Repository) sweepByShaIndex(referenced map[string]bool, dryRun bool, stats *GCStats) error {
	byShaDir := filepath.Join(r.Dir, "streams", "by-sha256")
	entries, err := os.ReadDir(byShaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrapf(errs.KindIO, err, "reading by-sha256 index during GC")
	}
	for _, e := range entries {
		full := filepath.Join(byShaDir, e.Name())
		rel := filepath.Join("streams", "by-sha256", e.Name())
		// The streams/<hex> entry this index entry points through may
		// already have been swept above (it dangles precisely when it was
		// unreferenced), so a NotFound here means "unreferenced", not an
		// error: fall through to deletion instead of propagating it.
		target, err := r.Store.ReadSymlinkTarget(rel)
		if err == nil {
			primary := filepath.Clean(filepath.Join(filepath.Dir(rel), target))
			if referenced[filepath.Base(primary)] {
				continue
			}
		} else if !errs.Is(err, errs.KindNotFound) {
			return err
		}
		if dryRun {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return errs.Wrapf(errs.KindIO, err, "deleting stale by-sha256 index entry %s", full)
		}
	}
	return nil
}
