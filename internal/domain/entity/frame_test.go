package entity

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestView(t *testing.T, payload []byte, freed *atomic.Int32) *View {
	t.Helper()
	v, err := NewView(payload, func(any) { freed.Add(1) }, payload, len(payload), 1, 1, EncodingNone, 0)
	require.NoError(t, err)
	return v
}

func TestNewViewValidation(t *testing.T) {
	_, err := NewView(nil, nil, []byte{1}, 0, 1, 1, EncodingNone, 0)
	assert.Error(t, err)

	_, err = NewView(nil, nil, nil, 1, 1, 1, EncodingNone, 0)
	assert.Error(t, err)

	_, err = NewView(nil, nil, []byte{1}, 1, 1, 1, EncodingNone, 0)
	assert.NoError(t, err)
}

func TestFrameHasAtLeastOneView(t *testing.T) {
	_, err := NewFrame(nil)
	assert.Error(t, err)

	var freed atomic.Int32
	f, err := NewFrame(newTestView(t, []byte{1, 2, 3}, &freed))
	require.NoError(t, err)
	assert.Equal(t, 1, f.NumViews())

	require.NoError(t, f.AddView(newTestView(t, []byte{4, 5}, &freed)))
	assert.Equal(t, 2, f.NumViews())
}

func TestSetDataRunsOldDeleterExactlyOnce(t *testing.T) {
	var oldFreed, newFreed atomic.Int32
	f, err := NewFrame(newTestView(t, []byte{1, 2, 3}, &oldFreed))
	require.NoError(t, err)

	require.NoError(t, f.SetData(0, newTestView(t, []byte{0xFF}, &newFreed)))
	assert.Equal(t, int32(1), oldFreed.Load(), "replaced view's deleter runs before SetData returns")
	assert.Equal(t, int32(0), newFreed.Load())

	data, err := f.Data(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, data)

	f.Close()
	assert.Equal(t, int32(1), oldFreed.Load())
	assert.Equal(t, int32(1), newFreed.Load())

	// Close is idempotent
	f.Close()
	assert.Equal(t, int32(1), newFreed.Load())
}

func TestSetDataOutOfRange(t *testing.T) {
	var freed atomic.Int32
	f, err := NewFrame(newTestView(t, []byte{1}, &freed))
	require.NoError(t, err)

	err = f.SetData(3, newTestView(t, []byte{2}, &freed))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

type stubCodec struct {
	out []byte
}

func (c *stubCodec) Encode(enc Encoding, level int, data []byte, width, height, channels int) ([]byte, error) {
	return c.out, nil
}

func TestSetEncodingIsARequestOnly(t *testing.T) {
	var freed atomic.Int32
	f, err := NewFrame(newTestView(t, []byte{1, 2, 3}, &freed))
	require.NoError(t, err)

	require.NoError(t, f.SetEncoding(0, EncodingJPEG, 85))

	enc, err := f.Encoding(0)
	require.NoError(t, err)
	assert.Equal(t, EncodingJPEG, enc)

	// Bytes untouched until the commit.
	data, err := f.Data(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// Serialize refuses while the encoding is pending.
	_, err = f.Serialize()
	assert.ErrorIs(t, err, ErrPendingEncode)

	// EncodePending commits it and runs the raw buffer's deleter.
	require.NoError(t, f.EncodePending(&stubCodec{out: []byte{9, 9}}))
	assert.Equal(t, int32(1), freed.Load())
	data, err = f.Data(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, data)

	_, err = f.Serialize()
	assert.NoError(t, err)
}

func TestSerializeIsOneShot(t *testing.T) {
	var freed atomic.Int32
	f, err := NewFrame(newTestView(t, []byte{1, 2, 3}, &freed))
	require.NoError(t, err)

	env, err := f.Serialize()
	require.NoError(t, err)
	require.NotNil(t, env)

	_, err = f.Serialize()
	assert.ErrorIs(t, err, ErrIllegalState)

	// Mutators and data accessors are gone, dimensions remain.
	assert.ErrorIs(t, f.AddView(newTestView(t, []byte{1}, &freed)), ErrIllegalState)
	assert.ErrorIs(t, f.SetEncoding(0, EncodingJPEG, 50), ErrIllegalState)
	_, err = f.Data(0)
	assert.ErrorIs(t, err, ErrIllegalState)
	_, err = f.Meta()
	assert.ErrorIs(t, err, ErrIllegalState)

	w, err := f.Width(0)
	require.NoError(t, err)
	assert.Equal(t, 3, w)

	// The frame no longer owns the buffers: Close must not fire deleters.
	f.Close()
	assert.Equal(t, int32(0), freed.Load())

	// The envelope does, exactly once.
	env.Release()
	env.Release()
	assert.Equal(t, int32(1), freed.Load())
}

func TestSerializePromotesViewZero(t *testing.T) {
	var freed atomic.Int32
	color, err := NewView([]byte{1, 2, 3}, func(any) { freed.Add(1) }, []byte{1, 2, 3}, 640, 480, 3, EncodingNone, 0)
	require.NoError(t, err)
	f, err := NewFrame(color)
	require.NoError(t, err)

	depth, err := NewView([]byte{7, 8}, func(any) { freed.Add(1) }, []byte{7, 8}, 320, 240, 1, EncodingNone, 0)
	require.NoError(t, err)
	require.NoError(t, f.AddView(depth))

	env, err := f.Serialize()
	require.NoError(t, err)
	require.Len(t, env.Blobs, 2)

	w, _ := env.Meta.GetInt(KeyWidth)
	h, _ := env.Meta.GetInt(KeyHeight)
	c, _ := env.Meta.GetInt(KeyChannels)
	encType, _ := env.Meta.GetString(KeyEncodingType)
	assert.Equal(t, int64(640), w)
	assert.Equal(t, int64(480), h)
	assert.Equal(t, int64(3), c)
	assert.Equal(t, "none", encType)
	handle, ok := env.Meta.GetString(KeyImgHandle)
	assert.True(t, ok)
	assert.NotEmpty(t, handle)

	additional, ok := env.Meta.Get(KeyAdditionalFrames)
	require.True(t, ok)
	arr, ok := additional.([]any)
	require.True(t, ok)
	require.Len(t, arr, 1)
	shape, ok := arr[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(320), shape[KeyWidth])
	assert.Equal(t, int64(240), shape[KeyHeight])
	assert.Equal(t, int64(1), shape[KeyChannels])

	assert.Equal(t, []byte{1, 2, 3}, env.Blobs[0].Data)
	assert.Equal(t, []byte{7, 8}, env.Blobs[1].Data)

	env.Release()
	assert.Equal(t, int32(2), freed.Load())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	color, err := NewView([]byte{1, 2, 3, 4, 5, 6}, nil, []byte{1, 2, 3, 4, 5, 6}, 2, 1, 3, EncodingNone, 0)
	require.NoError(t, err)
	f, err := NewFrame(color)
	require.NoError(t, err)

	depth, err := NewView([]byte{9, 9}, nil, []byte{9, 9}, 2, 1, 1, EncodingNone, 0)
	require.NoError(t, err)
	require.NoError(t, f.AddView(depth))

	md, err := f.Meta()
	require.NoError(t, err)
	require.NoError(t, md.Set("camera", "cam-07"))
	require.NoError(t, md.Set("defects", []any{map[string]any{"kind": "scratch", "score": 0.93}}))

	env, err := f.Serialize()
	require.NoError(t, err)

	f2, err := Deserialize(env)
	require.NoError(t, err)
	require.Equal(t, 2, f2.NumViews())

	for i, want := range [][]byte{{1, 2, 3, 4, 5, 6}, {9, 9}} {
		data, err := f2.Data(i)
		require.NoError(t, err)
		assert.Equal(t, want, data)
	}
	w, _ := f2.Width(0)
	h, _ := f2.Height(0)
	c, _ := f2.Channels(0)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	assert.Equal(t, 3, c)
	c1, _ := f2.Channels(1)
	assert.Equal(t, 1, c1)

	md2, err := f2.Meta()
	require.NoError(t, err)
	cam, _ := md2.GetString("camera")
	assert.Equal(t, "cam-07", cam)

	// Re-serializing reattaches the same blobs.
	env2, err := f2.Serialize()
	require.NoError(t, err)
	require.Len(t, env2.Blobs, 2)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, env2.Blobs[0].Data)
}

func TestDeserializeRejectsBadEnvelopes(t *testing.T) {
	_, err := Deserialize(nil)
	assert.Error(t, err)

	_, err = Deserialize(&Envelope{Meta: NewMetadata()})
	assert.Error(t, err)

	md := NewMetadata()
	md.Set(KeyWidth, 2)
	// height and channels missing
	_, err = Deserialize(&Envelope{Meta: md, Blobs: []*Blob{NewBlob([]byte{1}, nil)}})
	assert.Error(t, err)
}

func TestDeserializedViewDeleterReleasesBlob(t *testing.T) {
	var released atomic.Int32
	md := NewMetadata()
	md.Set(KeyWidth, 1)
	md.Set(KeyHeight, 1)
	md.Set(KeyChannels, 1)
	env := &Envelope{
		Meta:  md,
		Blobs: []*Blob{NewBlob([]byte{0xAB}, func() { released.Add(1) })},
	}

	f, err := Deserialize(env)
	require.NoError(t, err)

	f.Close()
	assert.Equal(t, int32(1), released.Load())
}
