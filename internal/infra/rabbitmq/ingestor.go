package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/framequeue"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/metrics"
)

// Ingestor consumes frame envelopes from the bus and feeds the input
// queue, blocking on a full queue so backpressure reaches the broker via
// prefetch.
type Ingestor struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
}

type IngestorConfig struct {
	URL      string
	Queue    string
	Exchange string
	Prefetch int
}

func NewIngestor(cfg IngestorConfig, logger *zap.Logger) (*Ingestor, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Ingestor{conn: conn, channel: ch, queue: cfg.Queue, logger: logger}, nil
}

// Run consumes until ctx is cancelled. Malformed envelopes are dropped
// with a log line; the pipeline continues.
func (i *Ingestor) Run(ctx context.Context, in *framequeue.FrameQueue) error {
	deliveries, err := i.channel.ConsumeWithContext(ctx, i.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	i.logger.Info("ingestor started", zap.String("queue", i.queue))

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("ingestor shutting down")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				i.logger.Info("delivery channel closed")
				return nil
			}
			i.handleDelivery(d, in)
		}
	}
}

func (i *Ingestor) handleDelivery(d amqp.Delivery, in *framequeue.FrameQueue) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		i.logger.Error("malformed frame envelope, dropping",
			zap.Error(err), zap.Uint64("delivery_tag", d.DeliveryTag))
		_ = d.Ack(false)
		return
	}

	frame, err := entity.Deserialize(env)
	if err != nil {
		i.logger.Error("invalid frame envelope, dropping",
			zap.Error(err), zap.Uint64("delivery_tag", d.DeliveryTag))
		_ = d.Ack(false)
		return
	}

	if err := in.PushWait(frame); err != nil {
		// Queue stopped: shutdown in progress, requeue for the next run.
		frame.Close()
		_ = d.Nack(false, true)
		return
	}
	metrics.FramesIngestedTotal.Inc()
	metrics.QueueDepth.WithLabelValues("input").Set(float64(in.Size()))
	_ = d.Ack(false)
}

func (i *Ingestor) Close() error {
	if i.channel != nil {
		i.channel.Close()
	}
	if i.conn != nil {
		return i.conn.Close()
	}
	return nil
}
