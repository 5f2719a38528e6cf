package selabel

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fstree"
	"github.com/containers/composefs-repo/fsverity"
)

// ObjectReader is the subset of object.Store the relabeler needs to read a
// leaf's external content while walking the tree (spec §4.7 reads
// /etc/selinux/... files out of the tree being assembled, before it is
// ever serialized to a dumpfile or mounted).
type ObjectReader interface {
	ReadObject(digest fsverity.Digest) ([]byte, error)
}

// readLeaf returns a regular-file leaf's bytes, resolving external content
// through store. Returns an error if leaf is not a regular file.
func readLeaf(leaf *fstree.Leaf, store ObjectReader) ([]byte, error) {
	switch leaf.Kind {
	case fstree.LeafInline:
		return leaf.InlineContent, nil
	case fstree.LeafExternal:
		return store.ReadObject(leaf.ExternalDigest)
	default:
		return nil, errs.New(errs.KindCorrupt, "expected regular file leaf")
	}
}

// openFile looks up filename in dir and returns its bytes, or (nil, false,
// nil) if it does not exist (matching spec §4.7's "missing optional files
// are skipped").
func openFile(dir *fstree.Directory, filename string, store ObjectReader) ([]byte, bool, error) {
	inode, ok := dir.Lookup(filename)
	if !ok {
		return nil, false, nil
	}
	leaf, ok := inode.(*fstree.Leaf)
	if !ok {
		return nil, false, errs.Newf(errs.KindCorrupt, "%q is a directory, expected a regular file", filename)
	}
	data, err := readLeaf(leaf, store)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func lookupDir(dir *fstree.Directory, name string) (*fstree.Directory, bool) {
	inode, ok := dir.Lookup(name)
	if !ok {
		return nil, false
	}
	sub, ok := inode.(*fstree.Directory)
	return sub, ok
}

func parseSELinuxConfig(data []byte) (policyType string, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if strings.ToUpper(strings.TrimSpace(key)) == "SELINUXTYPE" {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

// build compiles a Policy from the contexts/files directory of a policy
// under etc/selinux/<type>/contexts/files, per spec §4.7: the mandatory
// file_contexts plus optional .local/.homedirs, combined with .subs and
// .subs_dist alias tables. All spec lines across all three files are
// combined, then reversed as a whole so that later-appended files
// (file_contexts.local, file_contexts.homedirs) out-prioritize the base
// file, matching the selabel_file "last match wins" convention applied
// uniformly across files, not just within one.
func build(filesDir *fstree.Directory, store ObjectReader) (*Policy, error) {
	var allSpecs []specLine
	for i, suffix := range []string{"", ".local", ".homedirs"} {
		data, ok, err := openFile(filesDir, "file_contexts"+suffix, store)
		if err != nil {
			return nil, err
		}
		if !ok {
			if i == 0 {
				return nil, errs.New(errs.KindNotFound, "SELinux policy is missing mandatory file_contexts file")
			}
			continue
		}
		specs, err := parseSpecFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("file_contexts%s: %w", suffix, err)
		}
		allSpecs = append(allSpecs, specs...)
	}

	aliases := map[string]string{}
	for _, suffix := range []string{".subs", ".subs_dist"} {
		data, ok, err := openFile(filesDir, "file_contexts"+suffix, store)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := parseSubsFile(bytes.NewReader(data), aliases); err != nil {
			return nil, fmt.Errorf("file_contexts%s: %w", suffix, err)
		}
	}

	// The matcher evaluates specs in order and takes the first hit; reverse
	// so the last-written policy line (spec §4.7) is checked first.
	reversed := make([]specLine, len(allSpecs))
	for i, s := range allSpecs {
		reversed[len(allSpecs)-1-i] = s
	}

	return &Policy{specs: reversed, aliases: aliases}, nil
}

// Build locates and compiles the SELinux policy referenced by root's
// /etc/selinux/config, if present. ok is false (with a nil error) if there
// is no SELinux configuration in the tree at all, matching spec §4.7's
// "if absent, no-op".
func Build(root *fstree.Root, store ObjectReader) (policy *Policy, ok bool, err error) {
	etc, ok := lookupDir(root.Dir, "etc")
	if !ok {
		return nil, false, nil
	}
	selinuxDir, ok := lookupDir(etc, "selinux")
	if !ok {
		return nil, false, nil
	}
	configData, ok, err := openFile(selinuxDir, "config", store)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	policyType, ok := parseSELinuxConfig(configData)
	if !ok {
		return nil, false, nil
	}

	policyDir, ok := lookupDir(selinuxDir, policyType)
	if !ok {
		return nil, false, errs.Newf(errs.KindNotFound, "SELinux policy directory %q not found under etc/selinux", policyType)
	}
	contextsDir, ok := lookupDir(policyDir, "contexts")
	if !ok {
		return nil, false, errs.Newf(errs.KindNotFound, "SELinux policy %q missing contexts directory", policyType)
	}
	filesDir, ok := lookupDir(contextsDir, "files")
	if !ok {
		return nil, false, errs.Newf(errs.KindNotFound, "SELinux policy %q missing contexts/files directory", policyType)
	}

	p, err := build(filesDir, store)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

const selinuxXattr = "security.selinux"

func relabelStat(stat *fstree.Stat, p string, ifmt byte, policy *Policy) {
	if context, ok := policy.Lookup(p, ifmt); ok {
		stat.SetXattr(selinuxXattr, []byte(context))
	}
}

func leafIfmt(leaf *fstree.Leaf) byte {
	switch leaf.Kind {
	case fstree.LeafFifo:
		return IfmtFifo
	case fstree.LeafSocket:
		return IfmtSocket
	case fstree.LeafSymlink:
		return IfmtSymlink
	case fstree.LeafBlockDevice:
		return IfmtBlock
	case fstree.LeafCharDevice:
		return IfmtChar
	default:
		// Inline and external regular files both match the bare "-" ifmt
		// (spec §4.7 lists "bcdpls-"; inline vs external is not a type
		// selinux file-contexts distinguishes).
		return IfmtRegular
	}
}

// walkDir applies policy to dir (at absolute path dirPath) and recurses
// into its children, honoring path aliases when descending (spec §4.7:
// "when descending into a directory whose absolute path is an alias key,
// the walk continues using the alias value as the lookup path", while the
// tree itself is still mutated at its real location).
func walkDir(dir *fstree.Directory, dirPath string, policy *Policy) {
	relabelStat(&dir.Stat, dirPath, IfmtDir, policy)

	for _, c := range dir.Children() {
		childPath := path.Join(dirPath, c.Name)
		lookupPath := childPath
		if orig, ok := policy.Alias(childPath); ok {
			lookupPath = orig
		}
		switch inode := c.Inode.(type) {
		case *fstree.Directory:
			walkDir(inode, lookupPath, policy)
		case *fstree.Leaf:
			relabelStat(&inode.Stat, lookupPath, leafIfmt(inode), policy)
		}
	}
}

// Relabel runs the full spec §4.7 pass over root: it locates and compiles
// the tree's own SELinux policy (a no-op if none is configured) and walks
// every inode, setting security.selinux per the compiled file-context
// rules.
func Relabel(root *fstree.Root, store ObjectReader) error {
	policy, ok, err := Build(root, store)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	walkDir(root.Dir, "/", policy)
	return nil
}
