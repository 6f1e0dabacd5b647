package port

import "github.com/edgepipe/udf-pipeline-service/internal/domain/entity"

// UDFConfig is one entry of the pipeline's "udfs" array: a name plus
// arbitrary keys passed through to the UDF untouched.
type UDFConfig map[string]any

// Name extracts the required "name" key.
func (c UDFConfig) Name() (string, bool) {
	name, ok := c["name"].(string)
	return name, ok
}

// Type is advisory to the loader for back-end selection; empty means try
// all back-ends in order.
func (c UDFConfig) Type() string {
	t, _ := c["type"].(string)
	return t
}

// Handle is a loaded UDF: the back-end state, the process entry point and
// the profiling keys the manager assigns to it.
//
// A handle is shared across workers when max_workers > 1; implementations
// must be reentrant, the pipeline takes no per-handle lock.
type Handle interface {
	// Initialize is one-shot and must succeed before Process is called.
	// Back-end failures (missing library, missing module, constructor
	// errors) report false, they never panic across the boundary.
	Initialize(cfg UDFConfig) bool

	Process(f *entity.Frame) entity.Verdict

	Name() string
	MaxWorkers() int

	ProfEntryKey() string
	SetProfEntryKey(key string)
	ProfExitKey() string
	SetProfExitKey(key string)

	// Close releases the back-end (unloads the library, drops the module).
	Close() error
}
