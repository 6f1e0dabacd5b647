package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/domain/port"
	"github.com/edgepipe/udf-pipeline-service/internal/framequeue"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/metrics"
)

const drainTick = 250 * time.Millisecond

// Publisher ships serialized frame envelopes to the exchange. Blob
// deleters fire once the channel has accepted the payload; from then on
// the bus owns the memory.
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

func NewPublisher(conn *amqp.Connection, exchange, routingKey string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange, routingKey: routingKey}, nil
}

// Publish encodes and sends one envelope. The envelope is released on
// every path: once here, the frame's buffers are gone either way.
func (p *Publisher) Publish(ctx context.Context, env *entity.Envelope) error {
	defer env.Release()

	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/msgpack",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
}

// Drain pumps the output queue onto the bus until ctx is cancelled:
// commit pending encodings, serialize, publish. Per-frame failures drop
// the frame and keep the pump alive.
func (p *Publisher) Drain(ctx context.Context, out *framequeue.FrameQueue, codec port.FrameCodec, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !out.WaitFor(drainTick) {
			continue
		}
		frame := out.Pop()
		if frame == nil {
			continue
		}

		if err := frame.EncodePending(codec); err != nil {
			logger.Error("failed to encode outgoing frame", zap.Error(err))
			frame.Close()
			continue
		}
		env, err := frame.Serialize()
		if err != nil {
			logger.Error("failed to serialize outgoing frame", zap.Error(err))
			frame.Close()
			continue
		}
		if err := p.Publish(ctx, env); err != nil {
			logger.Error("failed to publish frame envelope, frame dropped", zap.Error(err))
			continue
		}
		metrics.FramesPublishedTotal.Inc()
	}
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}
