// Package embedded loads UDFs as JavaScript modules run on a process-wide
// goja interpreter.
package embedded

import (
	"sync"

	"github.com/dop251/goja"
)

// Runtime is the process-wide interpreter. goja runtimes are not
// thread-safe, so mu is the interpreter's global lock: every call into the
// VM holds it, from any worker.
type Runtime struct {
	mu sync.Mutex
	vm *goja.Runtime
}

var (
	globalMu sync.Mutex
	global   *Runtime
	refs     int
)

// Retain returns the shared interpreter, creating it on first use. Paired
// with Release; the loader owns the pairing. Applications embedding several
// loaders share one interpreter.
func Retain() *Runtime {
	globalMu.Lock()
	defer globalMu.Unlock()
	if refs == 0 {
		vm := goja.New()
		vm.Set("UDF", map[string]any{
			"OK":             0,
			"DROP_FRAME":     1,
			"ERROR":          2,
			"FRAME_MODIFIED": 3,
		})
		global = &Runtime{vm: vm}
	}
	refs++
	return global
}

// Release drops one reference; the interpreter is finalized when the count
// reaches zero.
func Release() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if refs == 0 {
		return
	}
	refs--
	if refs == 0 {
		global = nil
	}
}
