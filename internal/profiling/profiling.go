package profiling

import (
	"os"
	"time"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
)

// processEpoch anchors the monotonic clock; annotations are nanoseconds
// since this arbitrary epoch, stable within a process.
var processEpoch = time.Now()

// Profiler tags frame metadata with entry/exit timestamps when enabled.
// Disabled mode is a no-op so the pipeline pays nothing.
type Profiler struct {
	enabled bool
}

// New reads PROFILING_MODE from the environment, matching the service's
// other toggles.
func New() *Profiler {
	return &Profiler{enabled: os.Getenv("PROFILING_MODE") == "true"}
}

// NewWith builds a profiler with an explicit toggle, for tests.
func NewWith(enabled bool) *Profiler {
	return &Profiler{enabled: enabled}
}

func (p *Profiler) Enabled() bool {
	return p.enabled
}

// Annotate writes the current monotonic timestamp under key. Nil metadata
// (already-serialized frame) is ignored.
func (p *Profiler) Annotate(md *entity.Metadata, key string) {
	if !p.enabled || md == nil {
		return
	}
	md.Set(key, time.Since(processEpoch).Nanoseconds())
}
