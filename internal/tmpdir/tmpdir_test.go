package tmpdir

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBigFileTemp(t *testing.T) {
	f, err := CreateBigFileTemp("", "")
	require.NoError(t, err)
	f.Close()
	defer os.Remove(f.Name())

	f2, err := CreateBigFileTemp("", "foobar")
	require.NoError(t, err)
	f2.Close()
	defer os.Remove(f2.Name())
	assert.True(t, strings.Contains(f2.Name(), prefix+"foobar"))
}

func TestCreateBigFileTempWithDir(t *testing.T) {
	dir := t.TempDir()
	f, err := CreateBigFileTemp(dir, "sub")
	require.NoError(t, err)
	f.Close()
	defer os.Remove(f.Name())
	assert.True(t, strings.HasPrefix(f.Name(), dir))
}

func TestCreateBigFileTempBogusDir(t *testing.T) {
	_, err := CreateBigFileTemp("/does/not/exist/bogus", "x")
	assert.Error(t, err)
}

func TestMkDirBigFileTemp(t *testing.T) {
	d, err := MkDirBigFileTemp("", "foobar")
	require.NoError(t, err)
	defer os.RemoveAll(d)
	assert.True(t, strings.Contains(d, prefix+"foobar"))
}
