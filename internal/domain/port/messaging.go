package port

import (
	"context"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
)

// EnvelopePublisher ships a serialized frame envelope over the external
// bus. The publisher owns the wire format; the core hands it the envelope
// shape only. Implementations release the envelope blobs once the bus has
// accepted the payload.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env *entity.Envelope) error
}

// FrameCodec commits advertised encodings on the bus path. Alias of the
// entity-level contract so adapters depend on ports only.
type FrameCodec = entity.Codec
