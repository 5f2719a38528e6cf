// Package tmpdir creates temporary files and directories for operations
// that may need to stage large amounts of data (a remote layer pull, a
// decompressed tar copy) outside of the final repository location.
//
// Adapted from containers/image's internal/tmpdir: the same "allow a
// caller-supplied directory, default to os.TempDir()" shape, taking that
// directory as a plain string argument instead of a types.SystemContext.
package tmpdir

import (
	"os"
)

const prefix = "composefs-repo"

// BigFilesTemporaryDir returns dir, if non-empty, or the process default
// temporary directory otherwise.
func BigFilesTemporaryDir(dir string) string {
	if dir != "" {
		return dir
	}
	return os.TempDir()
}

// CreateBigFileTemp creates a temporary file under dir (or the default
// temp directory) named with the given purpose suffix.
func CreateBigFileTemp(dir, purpose string) (*os.File, error) {
	return os.CreateTemp(BigFilesTemporaryDir(dir), prefix+purpose)
}

// MkDirBigFileTemp creates a temporary directory under dir (or the default
// temp directory) named with the given purpose suffix.
func MkDirBigFileTemp(dir, purpose string) (string, error) {
	return os.MkdirTemp(BigFilesTemporaryDir(dir), prefix+purpose)
}
