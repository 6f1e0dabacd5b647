//go:build !(darwin || freebsd || linux)

package native

import (
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/domain/port"
)

// Handle on platforms without dlopen support: Initialize always fails, so
// the loader falls through to the embedded back-end.
type Handle struct {
	name       string
	maxWorkers int
	profEntry  string
	profExit   string
	logger     *zap.Logger
}

func New(name string, maxWorkers int, logger *zap.Logger) *Handle {
	return &Handle{name: name, maxWorkers: maxWorkers, logger: logger}
}

func (h *Handle) Name() string             { return h.name }
func (h *Handle) MaxWorkers() int          { return h.maxWorkers }
func (h *Handle) ProfEntryKey() string     { return h.profEntry }
func (h *Handle) SetProfEntryKey(k string) { h.profEntry = k }
func (h *Handle) ProfExitKey() string      { return h.profExit }
func (h *Handle) SetProfExitKey(k string)  { h.profExit = k }

func (h *Handle) Initialize(cfg port.UDFConfig) bool {
	h.logger.Warn("native UDF back-end unsupported on this platform",
		zap.String("udf", h.name))
	return false
}

func (h *Handle) Process(f *entity.Frame) entity.Verdict {
	return entity.VerdictError
}

func (h *Handle) Close() error { return nil }
