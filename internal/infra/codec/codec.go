// Package codec commits frame encodings with OpenCV.
package codec

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
)

// Codec encodes raw pixel buffers into JPEG or PNG byte streams. Level is
// JPEG quality (0-100) or PNG compression (0-9).
type Codec struct{}

func New() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(enc entity.Encoding, level int, data []byte, width, height, channels int) ([]byte, error) {
	matType, err := matTypeFor(channels)
	if err != nil {
		return nil, err
	}
	mat, err := gocv.NewMatFromBytes(height, width, matType, data)
	if err != nil {
		return nil, fmt.Errorf("wrap pixel buffer: %w", err)
	}
	defer mat.Close()

	var ext gocv.FileExt
	var params []int
	switch enc {
	case entity.EncodingJPEG:
		ext = gocv.JPEGFileExt
		params = []int{gocv.IMWriteJpegQuality, level}
	case entity.EncodingPNG:
		ext = gocv.PNGFileExt
		params = []int{gocv.IMWritePngCompression, level}
	default:
		return nil, fmt.Errorf("cannot encode to %s", enc)
	}

	buf, err := gocv.IMEncodeWithParams(ext, mat, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	defer buf.Close()

	// The native buffer dies with buf; hand back a Go-owned copy.
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func matTypeFor(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	default:
		return 0, fmt.Errorf("unsupported channel count %d", channels)
	}
}
