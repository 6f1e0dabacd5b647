//go:build darwin || freebsd || linux

// Package native loads UDFs from shared libraries discovered on
// LD_LIBRARY_PATH.
//
// The library must export a C ABI:
//
//	void* initialize_udf(const char* config_json);  // NULL on failure
//	int   process_udf(void* udf, const udf_buffer_t* in, udf_buffer_t* out,
//	                  const char* meta_json, char** meta_out);  // verdict
//	void  destroy_udf(void* udf);
//	void  free_udf_buffer(void* data);
//	void  free_udf_string(char* s);
//
// with udf_buffer_t = {uint8_t* data; int64_t size, width, height,
// channels;}. A non-NULL out->data that differs from in->data replaces the
// frame's primary view; it is released with free_udf_buffer. A non-NULL
// *meta_out is a JSON document replacing the frame metadata, released with
// free_udf_string.
package native

import (
	"encoding/json"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/domain/port"
)

// buffer mirrors udf_buffer_t.
type buffer struct {
	data     unsafe.Pointer
	size     int64
	width    int64
	height   int64
	channels int64
}

type Handle struct {
	name       string
	maxWorkers int
	profEntry  string
	profExit   string
	logger     *zap.Logger

	lib uintptr
	udf uintptr

	fnInitialize func(cfg string) uintptr
	fnProcess    func(udf uintptr, in, out, metaIn, metaOut unsafe.Pointer) int32
	fnDestroy    func(udf uintptr)
	fnFreeBuf    func(data unsafe.Pointer)
	fnFreeStr    func(s unsafe.Pointer)
}

func New(name string, maxWorkers int, logger *zap.Logger) *Handle {
	return &Handle{name: name, maxWorkers: maxWorkers, logger: logger}
}

func (h *Handle) Name() string              { return h.name }
func (h *Handle) MaxWorkers() int           { return h.maxWorkers }
func (h *Handle) ProfEntryKey() string      { return h.profEntry }
func (h *Handle) SetProfEntryKey(k string)  { h.profEntry = k }
func (h *Handle) ProfExitKey() string       { return h.profExit }
func (h *Handle) SetProfExitKey(k string)   { h.profExit = k }

// Initialize locates the library on the search path, resolves the entry
// symbols and constructs the UDF instance. Every failure mode reports
// false; nothing unwinds across the FFI boundary.
func (h *Handle) Initialize(cfg port.UDFConfig) bool {
	path, found := findLibrary(h.name)
	if !found {
		h.logger.Debug("native UDF library not found on search path",
			zap.String("udf", h.name),
			zap.String("lib", libFileName(h.name)),
		)
		return false
	}

	lib, err := purego.Dlopen(path, purego.RTLD_LAZY|purego.RTLD_LOCAL)
	if err != nil {
		h.logger.Error("failed to load UDF library",
			zap.String("udf", h.name), zap.String("path", path), zap.Error(err))
		return false
	}
	h.lib = lib

	for _, sym := range []string{
		"initialize_udf", "process_udf", "destroy_udf",
		"free_udf_buffer", "free_udf_string",
	} {
		if _, err := purego.Dlsym(lib, sym); err != nil {
			h.logger.Error("missing symbol in UDF library",
				zap.String("udf", h.name), zap.String("symbol", sym), zap.Error(err))
			h.unload()
			return false
		}
	}
	purego.RegisterLibFunc(&h.fnInitialize, lib, "initialize_udf")
	purego.RegisterLibFunc(&h.fnProcess, lib, "process_udf")
	purego.RegisterLibFunc(&h.fnDestroy, lib, "destroy_udf")
	purego.RegisterLibFunc(&h.fnFreeBuf, lib, "free_udf_buffer")
	purego.RegisterLibFunc(&h.fnFreeStr, lib, "free_udf_string")

	cfgJSON, err := json.Marshal(map[string]any(cfg))
	if err != nil {
		h.logger.Error("failed to marshal UDF config",
			zap.String("udf", h.name), zap.Error(err))
		h.unload()
		return false
	}

	h.udf = h.fnInitialize(string(cfgJSON))
	if h.udf == 0 {
		h.logger.Error("initialize_udf returned NULL", zap.String("udf", h.name))
		h.unload()
		return false
	}

	h.logger.Debug("loaded native UDF",
		zap.String("udf", h.name), zap.String("path", path))
	return true
}

// Process hands view 0 to the UDF as a mutable matrix of (h, w, channels)
// over the frame's bytes and installs the output buffer as the new view
// when the UDF produced one.
func (h *Handle) Process(f *entity.Frame) entity.Verdict {
	data, err := f.Data(0)
	if err != nil {
		h.logger.Error("native UDF given unreadable frame", zap.Error(err))
		return entity.VerdictError
	}
	width, _ := f.Width(0)
	height, _ := f.Height(0)
	channels, _ := f.Channels(0)

	in := buffer{
		data:     unsafe.Pointer(&data[0]),
		size:     int64(len(data)),
		width:    int64(width),
		height:   int64(height),
		channels: int64(channels),
	}
	var out buffer
	var metaOut uintptr

	metaJSON := []byte("{}")
	md, err := f.Meta()
	if err == nil {
		if encoded, merr := json.Marshal(md.Map()); merr == nil {
			metaJSON = encoded
		}
	}

	metaC := append(metaJSON, 0)
	ret := h.fnProcess(h.udf,
		unsafe.Pointer(&in), unsafe.Pointer(&out),
		unsafe.Pointer(&metaC[0]),
		unsafe.Pointer(&metaOut),
	)

	if metaOut != 0 {
		var tree map[string]any
		if uerr := json.Unmarshal([]byte(goString(metaOut)), &tree); uerr == nil && md != nil {
			if rerr := md.Replace(tree); rerr != nil {
				h.logger.Warn("native UDF produced invalid metadata",
					zap.String("udf", h.name), zap.Error(rerr))
			}
		}
		h.fnFreeStr(unsafe.Pointer(metaOut))
	}

	verdict := toVerdict(ret)

	if out.data != nil && out.data != in.data {
		outBytes := unsafe.Slice((*byte)(out.data), out.size)
		free := h.fnFreeBuf
		ptr := out.data
		view, verr := entity.NewView(
			ptr, func(any) { free(ptr) }, outBytes,
			int(out.width), int(out.height), int(out.channels),
			entity.EncodingNone, 0,
		)
		if verr != nil {
			h.logger.Error("native UDF output rejected",
				zap.String("udf", h.name), zap.Error(verr))
			free(ptr)
			return entity.VerdictError
		}
		if serr := f.SetData(0, view); serr != nil {
			h.logger.Error("failed to install native UDF output",
				zap.String("udf", h.name), zap.Error(serr))
			return entity.VerdictError
		}
	}

	if verdict == entity.VerdictError {
		h.logger.Error("error in native UDF process()", zap.String("udf", h.name))
	}
	return verdict
}

// Close destroys the UDF instance before unloading the library; the
// instance's code lives in the library.
func (h *Handle) Close() error {
	if h.udf != 0 {
		h.fnDestroy(h.udf)
		h.udf = 0
	}
	return h.unload()
}

func (h *Handle) unload() error {
	if h.lib == 0 {
		return nil
	}
	err := purego.Dlclose(h.lib)
	h.lib = 0
	if err != nil {
		return fmt.Errorf("unload %s: %w", h.name, err)
	}
	return nil
}

func toVerdict(ret int32) entity.Verdict {
	switch v := entity.Verdict(ret); v {
	case entity.VerdictOK, entity.VerdictDropFrame, entity.VerdictError, entity.VerdictFrameModified:
		return v
	default:
		return entity.VerdictError
	}
}

func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}
