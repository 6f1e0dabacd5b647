package native

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// libPathEnv is the delimiter-separated library search path governing
// native UDF discovery.
const libPathEnv = "LD_LIBRARY_PATH"

// libFileName maps a UDF name onto the platform's shared-library
// convention.
func libFileName(name string) string {
	switch runtime.GOOS {
	case "windows":
		return name + ".dll"
	case "darwin":
		return "lib" + name + ".dylib"
	default:
		return "lib" + name + ".so"
	}
}

// findLibrary probes each directory of the search path for the UDF's
// library, returning the first match.
func findLibrary(name string) (string, bool) {
	searchPath := os.Getenv(libPathEnv)
	if searchPath == "" {
		return "", false
	}
	lib := libFileName(name)
	for _, dir := range strings.Split(searchPath, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, lib)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
