// Package loader resolves UDF names onto back-ends.
package loader

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/port"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/embedded"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/native"
)

// Loader is a stateless factory over the back-ends, tried in a fixed
// order: native shared library first, embedded script second. It also owns
// the process-wide interpreter lifecycle: the first loader retains it,
// closing the last releases it.
type Loader struct {
	logger *zap.Logger
	rt     *embedded.Runtime
	closed bool
}

func New(logger *zap.Logger) *Loader {
	return &Loader{logger: logger, rt: embedded.Retain()}
}

// Load returns the first back-end whose Initialize succeeds. The optional
// "type" key of the UDF config restricts the candidates; by default all
// back-ends are tried.
func (l *Loader) Load(name string, cfg port.UDFConfig, maxWorkers int) (port.Handle, error) {
	typ := cfg.Type()

	if typ == "" || typ == "native" {
		h := native.New(name, maxWorkers, l.logger)
		if h.Initialize(cfg) {
			return h, nil
		}
	}
	if typ == "" || typ == "script" {
		h := embedded.New(name, maxWorkers, l.rt, l.logger)
		if h.Initialize(cfg) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no back-end could load UDF %q", name)
}

// Close releases the loader's interpreter reference. Idempotent.
func (l *Loader) Close() {
	if l.closed {
		return
	}
	l.closed = true
	embedded.Release()
}
