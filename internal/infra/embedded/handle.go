package embedded

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/domain/port"
)

// scriptPathEnv is the delimiter-separated search path for UDF script
// modules.
const scriptPathEnv = "UDF_SCRIPT_PATH"

// Handle wraps one script UDF. The module file <name>.js is looked up on
// UDF_SCRIPT_PATH and must export a constructor (module.exports itself or
// module.exports.Udf) taking the config object; instances expose
// process(frame) returning a UDF verdict constant.
//
// The frame handed to process shares the pipeline's pixel buffer (an
// ArrayBuffer over the same memory, no copy). A script that assigns
// frame.new_data (with optional new_width/new_height/new_channels)
// replaces the frame's primary view.
type Handle struct {
	name       string
	maxWorkers int
	profEntry  string
	profExit   string
	logger     *zap.Logger

	rt       *Runtime
	instance *goja.Object
	process  goja.Callable
}

func New(name string, maxWorkers int, rt *Runtime, logger *zap.Logger) *Handle {
	return &Handle{name: name, maxWorkers: maxWorkers, rt: rt, logger: logger}
}

func (h *Handle) Name() string             { return h.name }
func (h *Handle) MaxWorkers() int          { return h.maxWorkers }
func (h *Handle) ProfEntryKey() string     { return h.profEntry }
func (h *Handle) SetProfEntryKey(k string) { h.profEntry = k }
func (h *Handle) ProfExitKey() string      { return h.profExit }
func (h *Handle) SetProfExitKey(k string)  { h.profExit = k }

func findScript(name string) (string, bool) {
	searchPath := os.Getenv(scriptPathEnv)
	if searchPath == "" {
		return "", false
	}
	for _, dir := range strings.Split(searchPath, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name+".js")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// Initialize imports the module and instantiates its exported class with
// the config. Missing module, missing export or a constructor exception
// all report false.
func (h *Handle) Initialize(cfg port.UDFConfig) bool {
	path, found := findScript(h.name)
	if !found {
		h.logger.Debug("script UDF not found on search path", zap.String("udf", h.name))
		return false
	}
	src, err := os.ReadFile(path)
	if err != nil {
		h.logger.Error("failed to read UDF script",
			zap.String("udf", h.name), zap.String("path", path), zap.Error(err))
		return false
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()

	ctor, err := h.loadModule(path, string(src))
	if err != nil {
		h.logger.Error("failed to load UDF module",
			zap.String("udf", h.name), zap.Error(err))
		return false
	}

	instance, err := h.rt.vm.New(ctor, h.rt.vm.ToValue(map[string]any(cfg)))
	if err != nil {
		h.logger.Error("UDF constructor raised",
			zap.String("udf", h.name), zap.Error(err))
		return false
	}

	process, ok := goja.AssertFunction(instance.Get("process"))
	if !ok {
		h.logger.Error("UDF instance has no process() method", zap.String("udf", h.name))
		return false
	}

	h.instance = instance
	h.process = process
	h.logger.Debug("loaded script UDF",
		zap.String("udf", h.name), zap.String("path", path))
	return true
}

// loadModule evaluates the file CommonJS-style and returns the exported
// constructor. Caller holds the runtime lock.
func (h *Handle) loadModule(path, src string) (goja.Value, error) {
	wrapped := "(function(module, exports) {\n" + src + "\n})"
	prog, err := goja.Compile(path, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	fnVal, err := h.rt.vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("module wrapper is not a function")
	}

	module := h.rt.vm.NewObject()
	exports := h.rt.vm.NewObject()
	module.Set("exports", exports)
	if _, err := fn(goja.Undefined(), module, exports); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	exported := module.Get("exports")
	if _, ok := goja.AssertConstructor(exported); ok {
		return exported, nil
	}
	if obj, ok := exported.(*goja.Object); ok {
		if udf := obj.Get("Udf"); udf != nil {
			if _, ok := goja.AssertConstructor(udf); ok {
				return udf, nil
			}
		}
	}
	return nil, fmt.Errorf("module exports no constructor")
}

// Process calls the script's process(frame) under the interpreter lock.
// Script exceptions become VerdictError with the traceback in the log;
// they never propagate.
func (h *Handle) Process(f *entity.Frame) (verdict entity.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("script UDF panicked",
				zap.String("udf", h.name), zap.Any("panic", r))
			verdict = entity.VerdictError
		}
	}()

	data, err := f.Data(0)
	if err != nil {
		h.logger.Error("script UDF given unreadable frame", zap.Error(err))
		return entity.VerdictError
	}
	width, _ := f.Width(0)
	height, _ := f.Height(0)
	channels, _ := f.Channels(0)
	enc, _ := f.Encoding(0)
	md, err := f.Meta()
	if err != nil {
		return entity.VerdictError
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	vm := h.rt.vm

	frameObj := vm.NewObject()
	frameObj.Set("width", width)
	frameObj.Set("height", height)
	frameObj.Set("channels", channels)
	frameObj.Set("encoding", enc.String())
	frameObj.Set("data", vm.NewArrayBuffer(data))
	// goja maps are live: script mutations land directly in the tree.
	frameObj.Set("metadata", vm.ToValue(md.Map()))

	res, err := h.process(h.instance, frameObj)
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			h.logger.Error("exception in script UDF process()",
				zap.String("udf", h.name), zap.String("traceback", exc.String()))
		} else {
			h.logger.Error("error in script UDF process()",
				zap.String("udf", h.name), zap.Error(err))
		}
		return entity.VerdictError
	}

	if err := h.installNewData(f, frameObj); err != nil {
		h.logger.Error("failed to install script UDF output",
			zap.String("udf", h.name), zap.Error(err))
		return entity.VerdictError
	}

	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return entity.VerdictOK
	}
	switch v := entity.Verdict(res.ToInteger()); v {
	case entity.VerdictOK, entity.VerdictDropFrame, entity.VerdictError, entity.VerdictFrameModified:
		return v
	default:
		return entity.VerdictError
	}
}

// installNewData replaces view 0 when the script assigned frame.new_data.
// The view's deleter just drops the script-side buffer reference.
func (h *Handle) installNewData(f *entity.Frame, frameObj *goja.Object) error {
	nd := frameObj.Get("new_data")
	if nd == nil || goja.IsUndefined(nd) || goja.IsNull(nd) {
		return nil
	}
	ab, ok := nd.Export().(goja.ArrayBuffer)
	if !ok {
		return fmt.Errorf("new_data must be an ArrayBuffer")
	}
	bytes := ab.Bytes()

	dim := func(key string, fallback int) int {
		v := frameObj.Get(key)
		if v == nil || goja.IsUndefined(v) {
			return fallback
		}
		return int(v.ToInteger())
	}
	width, _ := f.Width(0)
	height, _ := f.Height(0)
	channels, _ := f.Channels(0)

	buf := ab
	view, err := entity.NewView(
		buf, func(any) {}, bytes,
		dim("new_width", width), dim("new_height", height), dim("new_channels", channels),
		entity.EncodingNone, 0,
	)
	if err != nil {
		return err
	}
	return f.SetData(0, view)
}

func (h *Handle) Close() error {
	h.instance = nil
	h.process = nil
	return nil
}
