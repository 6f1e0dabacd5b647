package entity

import "sync"

// Blob is one pixel payload attached to an outgoing envelope. Its release
// callback is the deleter re-homed from the view that produced it; Release
// runs it exactly once, after the bus has transmitted the payload.
type Blob struct {
	Data []byte

	free func()
	once sync.Once
}

func NewBlob(data []byte, free func()) *Blob {
	return &Blob{Data: data, free: free}
}

func (b *Blob) Release() {
	b.once.Do(func() {
		if b.free != nil {
			b.free()
		}
	})
}

// Envelope is the serialized form of a frame: the metadata tree plus the
// ordered pixel blobs. The concrete wire encoding belongs to the bus
// adapter; the core only deals in this shape.
type Envelope struct {
	Meta  *Metadata
	Blobs []*Blob
}

// Release frees every blob. Safe to call more than once.
func (e *Envelope) Release() {
	for _, b := range e.Blobs {
		b.Release()
	}
}
