package entity

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Encoding of a view's pixel payload.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingJPEG
	EncodingPNG
)

func (e Encoding) String() string {
	switch e {
	case EncodingJPEG:
		return "jpeg"
	case EncodingPNG:
		return "png"
	default:
		return "none"
	}
}

func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "none":
		return EncodingNone, nil
	case "jpeg":
		return EncodingJPEG, nil
	case "png":
		return EncodingPNG, nil
	default:
		return EncodingNone, fmt.Errorf("unknown encoding %q", s)
	}
}

// Metadata keys promoted from view 0 during serialization. Views 1..n-1 are
// appended under KeyAdditionalFrames with the same shape.
const (
	KeyImgHandle        = "img_handle"
	KeyWidth            = "width"
	KeyHeight           = "height"
	KeyChannels         = "channels"
	KeyEncodingType     = "encoding_type"
	KeyEncodingLevel    = "encoding_level"
	KeyAdditionalFrames = "additional_frames"
)

// Codec commits a view's advertised encoding, turning raw pixels into an
// encoded byte stream. Implemented by the image codec adapter.
type Codec interface {
	Encode(enc Encoding, level int, data []byte, width, height, channels int) ([]byte, error)
}

// View is one pixel buffer within a frame. The owner handle keeps the
// memory behind Data alive; the deleter runs exactly once, when the view is
// replaced, when the frame is destroyed, or, after serialization, when the
// bus releases the corresponding blob.
type View struct {
	owner     any
	free      func(any)
	data      []byte
	imgHandle string

	width    int
	height   int
	channels int

	// encoding is what the view advertises; committed is what the bytes
	// actually are. They diverge between SetEncoding and EncodePending.
	encoding    Encoding
	committed   Encoding
	encodeLevel int
}

// NewView wraps a pixel buffer. enc describes the current content of data,
// not a target; dimensions always describe the decoded image.
func NewView(owner any, free func(any), data []byte, width, height, channels int, enc Encoding, level int) (*View, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, fmt.Errorf("view dimensions must be positive, got %dx%dx%d", width, height, channels)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("view data must not be empty")
	}
	return &View{
		owner:       owner,
		free:        free,
		data:        data,
		imgHandle:   uuid.NewString(),
		width:       width,
		height:      height,
		channels:    channels,
		encoding:    enc,
		committed:   enc,
		encodeLevel: level,
	}, nil
}

func (v *View) pending() bool {
	return v.encoding != v.committed
}

func (v *View) release() {
	if v.free != nil {
		v.free(v.owner)
		v.free = nil
	}
	v.owner = nil
}

// Frame owns an ordered, non-empty sequence of views plus the metadata
// envelope. A frame is held by one goroutine at a time; only the serialized
// flag is shared state.
type Frame struct {
	views      []*View
	meta       *Metadata
	serialized atomic.Bool
	closed     bool
}

func NewFrame(v *View) (*Frame, error) {
	if v == nil {
		return nil, fmt.Errorf("frame requires an initial view")
	}
	return &Frame{
		views: []*View{v},
		meta:  NewMetadata(),
	}, nil
}

func (f *Frame) NumViews() int {
	return len(f.views)
}

// AddView appends a view, e.g. the depth stream of an RGB+depth pair.
func (f *Frame) AddView(v *View) error {
	if f.serialized.Load() {
		return ErrIllegalState
	}
	if v == nil {
		return fmt.Errorf("nil view")
	}
	f.views = append(f.views, v)
	return nil
}

// SetData replaces view i. The deleter of the replaced view runs before
// SetData returns.
func (f *Frame) SetData(i int, v *View) error {
	if f.serialized.Load() {
		return ErrIllegalState
	}
	if i < 0 || i >= len(f.views) {
		return fmt.Errorf("set data at %d: %w", i, ErrOutOfRange)
	}
	if v == nil {
		return fmt.Errorf("nil view")
	}
	old := f.views[i]
	f.views[i] = v
	old.release()
	return nil
}

// SetEncoding advertises a target encoding for view i. It is a request
// only: the bytes are rewritten by EncodePending on the bus path, not here.
func (f *Frame) SetEncoding(i int, enc Encoding, level int) error {
	if f.serialized.Load() {
		return ErrIllegalState
	}
	if i < 0 || i >= len(f.views) {
		return fmt.Errorf("set encoding at %d: %w", i, ErrOutOfRange)
	}
	v := f.views[i]
	v.encoding = enc
	v.encodeLevel = level
	return nil
}

// Width is legal even after serialization, as are Height and Channels.
func (f *Frame) Width(i int) (int, error) {
	if i < 0 || i >= len(f.views) {
		return 0, ErrOutOfRange
	}
	return f.views[i].width, nil
}

func (f *Frame) Height(i int) (int, error) {
	if i < 0 || i >= len(f.views) {
		return 0, ErrOutOfRange
	}
	return f.views[i].height, nil
}

func (f *Frame) Channels(i int) (int, error) {
	if i < 0 || i >= len(f.views) {
		return 0, ErrOutOfRange
	}
	return f.views[i].channels, nil
}

func (f *Frame) Data(i int) ([]byte, error) {
	if f.serialized.Load() {
		return nil, ErrIllegalState
	}
	if i < 0 || i >= len(f.views) {
		return nil, ErrOutOfRange
	}
	return f.views[i].data, nil
}

func (f *Frame) Encoding(i int) (Encoding, error) {
	if f.serialized.Load() {
		return EncodingNone, ErrIllegalState
	}
	if i < 0 || i >= len(f.views) {
		return EncodingNone, ErrOutOfRange
	}
	return f.views[i].encoding, nil
}

func (f *Frame) EncodeLevel(i int) (int, error) {
	if f.serialized.Load() {
		return 0, ErrIllegalState
	}
	if i < 0 || i >= len(f.views) {
		return 0, ErrOutOfRange
	}
	return f.views[i].encodeLevel, nil
}

// Meta returns the mutable metadata envelope.
func (f *Frame) Meta() (*Metadata, error) {
	if f.serialized.Load() {
		return nil, ErrIllegalState
	}
	return f.meta, nil
}

// EncodePending commits every advertised encoding through the codec. A view
// whose bytes are already encoded and whose target is None is left alone:
// decoding is not supported, the request is unsatisfiable.
func (f *Frame) EncodePending(codec Codec) error {
	if f.serialized.Load() {
		return ErrIllegalState
	}
	for i, v := range f.views {
		if !v.pending() {
			continue
		}
		if v.encoding == EncodingNone {
			v.encoding = v.committed
			continue
		}
		if v.committed != EncodingNone {
			return fmt.Errorf("view %d: re-encoding %s to %s not supported", i, v.committed, v.encoding)
		}
		encoded, err := codec.Encode(v.encoding, v.encodeLevel, v.data, v.width, v.height, v.channels)
		if err != nil {
			return fmt.Errorf("encode view %d: %w", i, err)
		}
		v.release()
		v.owner = encoded
		v.free = nil
		v.data = encoded
		v.committed = v.encoding
	}
	return nil
}

// Serialize transitions the frame to its terminal state and produces the
// outgoing envelope. It succeeds at most once; every view deleter is
// re-homed onto the envelope's blobs and fires when the bus releases them.
// After Serialize only the dimension getters remain legal, and Close is
// still safe (the frame no longer owns the buffers).
func (f *Frame) Serialize() (*Envelope, error) {
	for _, v := range f.views {
		if v.pending() {
			return nil, ErrPendingEncode
		}
	}
	if !f.serialized.CompareAndSwap(false, true) {
		return nil, ErrIllegalState
	}

	meta := f.meta
	v0 := f.views[0]
	meta.Set(KeyImgHandle, v0.imgHandle)
	meta.Set(KeyWidth, v0.width)
	meta.Set(KeyHeight, v0.height)
	meta.Set(KeyChannels, v0.channels)
	meta.Set(KeyEncodingType, v0.committed.String())
	meta.Set(KeyEncodingLevel, v0.encodeLevel)

	if len(f.views) > 1 {
		additional := make([]any, 0, len(f.views)-1)
		for _, v := range f.views[1:] {
			additional = append(additional, map[string]any{
				KeyImgHandle:     v.imgHandle,
				KeyWidth:         v.width,
				KeyHeight:        v.height,
				KeyChannels:      v.channels,
				KeyEncodingType:  v.committed.String(),
				KeyEncodingLevel: v.encodeLevel,
			})
		}
		meta.Set(KeyAdditionalFrames, additional)
	}

	env := &Envelope{Meta: meta}
	for _, v := range f.views {
		view := v
		env.Blobs = append(env.Blobs, NewBlob(view.data, func() {
			view.release()
		}))
	}
	return env, nil
}

// Deserialize constructs a LIVE frame from an incoming envelope. Each blob
// becomes a view whose deleter releases that blob; the metadata tree is
// shared by reference with the envelope.
func Deserialize(env *Envelope) (*Frame, error) {
	if env == nil || env.Meta == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if len(env.Blobs) == 0 {
		return nil, fmt.Errorf("envelope has no blobs")
	}

	shapes := make([]map[string]any, 0, len(env.Blobs))
	shapes = append(shapes, env.Meta.Map())
	if raw, ok := env.Meta.Get(KeyAdditionalFrames); ok {
		arr, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%s must be an array", KeyAdditionalFrames)
		}
		for _, elem := range arr {
			obj, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s elements must be objects", KeyAdditionalFrames)
			}
			shapes = append(shapes, obj)
		}
	}
	if len(shapes) != len(env.Blobs) {
		return nil, fmt.Errorf("envelope has %d blobs but %d frame shapes", len(env.Blobs), len(shapes))
	}

	var frame *Frame
	for i, blob := range env.Blobs {
		v, err := viewFromShape(shapes[i], blob)
		if err != nil {
			return nil, fmt.Errorf("blob %d: %w", i, err)
		}
		if i == 0 {
			frame, err = NewFrame(v)
			if err != nil {
				return nil, err
			}
			frame.meta = env.Meta
		} else if err := frame.AddView(v); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func viewFromShape(shape map[string]any, blob *Blob) (*View, error) {
	width, err := shapeInt(shape, KeyWidth)
	if err != nil {
		return nil, err
	}
	height, err := shapeInt(shape, KeyHeight)
	if err != nil {
		return nil, err
	}
	channels, err := shapeInt(shape, KeyChannels)
	if err != nil {
		return nil, err
	}

	enc := EncodingNone
	if s, ok := shape[KeyEncodingType].(string); ok {
		if enc, err = ParseEncoding(s); err != nil {
			return nil, err
		}
	}
	level := 0
	if lvl, ok := shape[KeyEncodingLevel].(int64); ok {
		level = int(lvl)
	}

	b := blob
	v, err := NewView(b, func(any) { b.Release() }, b.Data, width, height, channels, enc, level)
	if err != nil {
		return nil, err
	}
	if handle, ok := shape[KeyImgHandle].(string); ok {
		v.imgHandle = handle
	}
	return v, nil
}

func shapeInt(shape map[string]any, key string) (int, error) {
	v, ok := shape[key].(int64)
	if !ok {
		return 0, fmt.Errorf("missing or non-integer %q", key)
	}
	return int(v), nil
}

// Close destroys the frame, running every live view deleter exactly once.
// After serialization the deleters belong to the envelope and Close is a
// no-op on the buffers. Idempotent.
func (f *Frame) Close() {
	if f.closed {
		return
	}
	f.closed = true
	if f.serialized.Load() {
		return
	}
	for _, v := range f.views {
		v.release()
	}
}
