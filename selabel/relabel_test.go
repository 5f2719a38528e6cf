package selabel

import (
	"testing"

	"github.com/containers/composefs-repo/fstree"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/stretchr/testify/require"
)

type noExternalStore struct{}

func (noExternalStore) ReadObject(fsverity.Digest) ([]byte, error) {
	panic("test tree has no external leaves")
}

func inlineFile(dir *fstree.Directory, name, content string) {
	dir.Insert(name, &fstree.Leaf{Kind: fstree.LeafInline, InlineContent: []byte(content)})
}

func buildLabeledRoot(t *testing.T, fileContexts string) *fstree.Root {
	t.Helper()
	root := fstree.NewRoot()

	etc, err := root.Dir.Mkdir("etc", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	selinux, err := etc.Mkdir("selinux", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	inlineFile(selinux, "config", "SELINUXTYPE=targeted\n")

	targeted, err := selinux.Mkdir("targeted", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	contexts, err := targeted.Mkdir("contexts", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	files, err := contexts.Mkdir("files", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	inlineFile(files, "file_contexts", fileContexts)

	usr, err := root.Dir.Mkdir("usr", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	bin, err := usr.Mkdir("bin", fstree.Stat{Mode: 0o755})
	require.NoError(t, err)
	inlineFile(bin, "sh", "#!/bin/sh\n")

	return root
}

func TestRelabelAppliesFileContexts(t *testing.T) {
	root := buildLabeledRoot(t, ""+
		"/.* system_u:object_r:default_t:s0\n"+
		"/usr/bin(/.*)? system_u:object_r:bin_t:s0\n")

	require.NoError(t, Relabel(root, noExternalStore{}))

	usr, _ := root.Dir.Lookup("usr")
	bin, _ := usr.(*fstree.Directory).Lookup("bin")
	sh, _ := bin.(*fstree.Directory).Lookup("sh")
	leaf := sh.(*fstree.Leaf)

	require.Equal(t, "system_u:object_r:bin_t:s0", string(leaf.Stat.Xattrs["security.selinux"]))

	etc, _ := root.Dir.Lookup("etc")
	require.Equal(t, "system_u:object_r:default_t:s0", string(etc.(*fstree.Directory).Stat.Xattrs["security.selinux"]))
}

func TestRelabelNoneSuppressesLabel(t *testing.T) {
	root := buildLabeledRoot(t, ""+
		"/.* system_u:object_r:default_t:s0\n"+
		"/usr/bin/sh <<none>>\n")

	require.NoError(t, Relabel(root, noExternalStore{}))

	usr, _ := root.Dir.Lookup("usr")
	bin, _ := usr.(*fstree.Directory).Lookup("bin")
	sh, _ := bin.(*fstree.Directory).Lookup("sh")
	leaf := sh.(*fstree.Leaf)

	_, ok := leaf.Stat.Xattrs["security.selinux"]
	require.False(t, ok)
}

func TestRelabelIsNoOpWithoutSELinuxConfig(t *testing.T) {
	root := fstree.NewRoot()
	require.NoError(t, Relabel(root, noExternalStore{}))
}

func TestPolicyAliasRedirectsLookup(t *testing.T) {
	filesDir := fstree.NewDirectory()
	inlineFile(filesDir, "file_contexts", "/real/path(/.*)? system_u:object_r:real_t:s0\n")
	inlineFile(filesDir, "file_contexts.subs", "/alias /real/path\n")

	p, err := build(filesDir, noExternalStore{})
	require.NoError(t, err)

	orig, ok := p.Alias("/alias")
	require.True(t, ok)
	require.Equal(t, "/real/path", orig)

	ctx, ok := p.Lookup("/real/path/file.txt", IfmtRegular)
	require.True(t, ok)
	require.Equal(t, "system_u:object_r:real_t:s0", ctx)
}
