// Package external wraps the two composefs-tools subprocess contracts
// this repository depends on (spec §6): packing a dumpfile into an EROFS
// image, and enumerating the object references an EROFS image makes.
//
// Grounded on copy/blob.go's subprocess-piping idiom (stdin writer
// goroutine racing a stdout reader, combined via errgroup) adapted from
// network decompression helpers to local packer subprocesses.
package external

import (
	"bufio"
	"bytes"
	"io"
	"os/exec"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"golang.org/x/sync/errgroup"
)

// MkComposefsPath and ComposefsInfoPath are the executable names resolved
// via PATH; overridable for tests.
var (
	MkComposefsPath   = "mkcomposefs"
	ComposefsInfoPath = "composefs-info"
)

// Pack runs `mkcomposefs --from-file - -`, feeding dumpfile on stdin and
// returning the EROFS image bytes read from stdout.
func Pack(dumpfile io.Reader) ([]byte, error) {
	cmd := exec.Command(MkComposefsPath, "--from-file", "-", "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrapf(errs.KindExternal, err, "creating mkcomposefs stdin pipe")
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrapf(errs.KindExternal, err, "starting mkcomposefs")
	}

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		_, err := io.Copy(stdin, dumpfile)
		return err
	})

	if err := g.Wait(); err != nil {
		cmd.Wait()
		return nil, errs.Wrapf(errs.KindExternal, err, "writing dumpfile to mkcomposefs")
	}
	if err := cmd.Wait(); err != nil {
		return nil, errs.Newf(errs.KindExternal, "mkcomposefs failed: %v: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ObjectRef is one <shard>/<rest> reference line composefs-info emits.
type ObjectRef struct {
	Shard string
	Rest  string
}

// Hex reassembles the full hex digest string from a reference line.
func (o ObjectRef) Hex() string { return o.Shard + o.Rest }

// Inspect runs `composefs-info objects /proc/self/fd/0`, feeding the
// EROFS image bytes on stdin, and returns every object reference the
// image makes.
func Inspect(erofsImage io.Reader) ([]ObjectRef, error) {
	cmd := exec.Command(ComposefsInfoPath, "objects", "/proc/self/fd/0")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrapf(errs.KindExternal, err, "creating composefs-info stdin pipe")
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrapf(errs.KindExternal, err, "starting composefs-info")
	}

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		_, err := io.Copy(stdin, erofsImage)
		return err
	})
	if err := g.Wait(); err != nil {
		cmd.Wait()
		return nil, errs.Wrapf(errs.KindExternal, err, "writing image to composefs-info")
	}
	if err := cmd.Wait(); err != nil {
		return nil, errs.Newf(errs.KindExternal, "composefs-info failed: %v: %s", err, stderr.String())
	}

	var refs []ObjectRef
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		shard, rest, ok := strings.Cut(line, "/")
		if !ok {
			return nil, errs.Newf(errs.KindExternal, "composefs-info produced malformed object line %q", line)
		}
		refs = append(refs, ObjectRef{Shard: shard, Rest: rest})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrapf(errs.KindExternal, err, "reading composefs-info output")
	}
	return refs, nil
}
