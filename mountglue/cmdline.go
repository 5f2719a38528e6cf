// Package mountglue composes the EROFS + overlayfs mount (spec §4.8) that
// exposes a stored composefs image, and parses the kernel command line's
// composefs= boot parameter (spec §6).
//
// Grounded on original_source/src/mount.rs's fsopen/fsconfig/fsmount/
// move_mount sequence (no pack repo performs raw Linux mount-API syscalls;
// containers/storage's own overlay driver, referenced only from
// DESIGN.md, shells out to "mount" instead) and
// original_source/src/bin/composefs-pivot-sysroot.rs's parse_composefs_cmdline
// for the boot-line grammar.
package mountglue

import (
	"bytes"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
)

// ParseCmdline scans whitespace-separated cmdline tokens (the contents of
// /proc/cmdline) for a composefs=<64-hex> token and returns its decoded
// digest. Any other shape — missing token, wrong hex length — fails with
// KindNotFound, matching spec §6's "unknown format fails with NotFound".
func ParseCmdline(cmdline []byte) (fsverity.Digest, error) {
	for _, tok := range bytes.Fields(cmdline) {
		rest, ok := cutPrefix(tok, []byte("composefs="))
		if !ok {
			continue
		}
		digest, algo, err := fsverity.ParseHex(string(rest))
		if err != nil {
			return nil, errs.Wrapf(errs.KindNotFound, err, "parsing composefs= cmdline digest")
		}
		if algo != fsverity.SHA256 {
			return nil, errs.Newf(errs.KindNotFound, "composefs= cmdline digest has %d hex characters, expected 64", len(rest))
		}
		return digest, nil
	}
	return nil, errs.New(errs.KindNotFound, "no composefs= parameter found on kernel command line")
}

func cutPrefix(s, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(s, prefix) {
		return nil, false
	}
	return s[len(prefix):], true
}
