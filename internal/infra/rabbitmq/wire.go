package rabbitmq

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
)

// wireEnvelope is the on-the-wire shape of a frame envelope: the metadata
// tree followed by the pixel blobs in view order. The core treats this
// encoding as opaque; it lives here with the bus.
type wireEnvelope struct {
	Meta  map[string]any `msgpack:"meta"`
	Blobs [][]byte       `msgpack:"blobs"`
}

func encodeEnvelope(env *entity.Envelope) ([]byte, error) {
	w := wireEnvelope{
		Meta:  env.Meta.Map(),
		Blobs: make([][]byte, 0, len(env.Blobs)),
	}
	for _, b := range env.Blobs {
		w.Blobs = append(w.Blobs, b.Data)
	}
	body, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

func decodeEnvelope(body []byte) (*entity.Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	meta := entity.NewMetadata()
	if err := meta.Replace(w.Meta); err != nil {
		return nil, fmt.Errorf("envelope metadata: %w", err)
	}

	env := &entity.Envelope{Meta: meta}
	for _, data := range w.Blobs {
		env.Blobs = append(env.Blobs, entity.NewBlob(data, nil))
	}
	return env, nil
}
