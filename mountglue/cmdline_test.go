package mountglue

import (
	"testing"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/stretchr/testify/require"
)

func TestParseCmdlineRejectsMalformedInput(t *testing.T) {
	for _, cmdline := range []string{"", "foo", "composefs", "composefs=foo", "root=/dev/sda1 quiet"} {
		_, err := ParseCmdline([]byte(cmdline))
		require.Errorf(t, err, "cmdline %q should have failed to parse", cmdline)
		require.Truef(t, errs.Is(err, errs.KindNotFound), "cmdline %q", cmdline)
	}
}

func TestParseCmdlineAcceptsValidDigest(t *testing.T) {
	want := fsverity.Hash([]byte("mount glue test payload"))
	cmdline := "root=/dev/sda1 composefs=" + want.Hex() + " quiet"

	got, err := ParseCmdline([]byte(cmdline))
	require.NoError(t, err)
	require.Equal(t, want.Hex(), got.Hex())
}

func TestParseCmdlineUsesFirstMatchingToken(t *testing.T) {
	first := fsverity.Hash([]byte("first"))
	second := fsverity.Hash([]byte("second!!"))
	cmdline := "composefs=" + first.Hex() + " composefs=" + second.Hex()

	got, err := ParseCmdline([]byte(cmdline))
	require.NoError(t, err)
	require.Equal(t, first.Hex(), got.Hex())
}
