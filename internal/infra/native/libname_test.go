package native

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibFileName(t *testing.T) {
	got := libFileName("resize")
	switch runtime.GOOS {
	case "windows":
		assert.Equal(t, "resize.dll", got)
	case "darwin":
		assert.Equal(t, "libresize.dylib", got)
	default:
		assert.Equal(t, "libresize.so", got)
	}
}

func TestFindLibrary(t *testing.T) {
	empty := t.TempDir()
	withLib := t.TempDir()
	libPath := filepath.Join(withLib, libFileName("resize"))
	require.NoError(t, os.WriteFile(libPath, []byte{0x7f}, 0o644))

	// First directory on the path that has the file wins.
	t.Setenv(libPathEnv, empty+string(os.PathListSeparator)+withLib)
	found, ok := findLibrary("resize")
	assert.True(t, ok)
	assert.Equal(t, libPath, found)

	_, ok = findLibrary("missing")
	assert.False(t, ok)

	t.Setenv(libPathEnv, "")
	_, ok = findLibrary("resize")
	assert.False(t, ok)
}
