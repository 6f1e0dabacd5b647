package integration

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/framequeue"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/codec"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/config"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/loader"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/rabbitmq"
	"github.com/edgepipe/udf-pipeline-service/internal/profiling"
	"github.com/edgepipe/udf-pipeline-service/internal/usecase"
	"github.com/edgepipe/udf-pipeline-service/pkg/logger"
)

// wireEnvelope mirrors the bus adapter's wire shape for decoding on the
// test side.
type wireEnvelope struct {
	Meta  map[string]any `msgpack:"meta"`
	Blobs [][]byte       `msgpack:"blobs"`
}

func TestFrameRoundTripOverBus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer rmqContainer.Terminate(ctx)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	const (
		exchange = "edgepipe.frames"
		inQueue  = "frames.ingest"
		outKey   = "frames.processed"
		outQueue = "frames.processed.test"
	)

	log, _ := logger.New("debug")

	// Pipeline: empty chain, pass-through.
	pipeline, err := config.ParsePipeline([]byte(`{"udfs": [], "max_workers": 1}`))
	require.NoError(t, err)

	inputQueue := framequeue.New(-1)
	outputQueue := framequeue.New(-1)

	udfLoader := loader.New(log)
	defer udfLoader.Close()

	manager, err := usecase.NewUdfManager(
		pipeline, udfLoader, inputQueue, outputQueue,
		"itest", profiling.NewWith(false), log,
	)
	require.NoError(t, err)
	defer manager.Close()

	ingestor, err := rabbitmq.NewIngestor(rabbitmq.IngestorConfig{
		URL:      rmqURL,
		Queue:    inQueue,
		Exchange: exchange,
		Prefetch: 1,
	}, log)
	require.NoError(t, err)
	defer ingestor.Close()

	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, exchange, outKey)
	require.NoError(t, err)
	defer pub.Close()

	// Bind a capture queue for the pipeline's output.
	captureCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer captureCh.Close()
	_, err = captureCh.QueueDeclare(outQueue, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, captureCh.QueueBind(outQueue, outKey, exchange, false, nil))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	manager.Start()
	go pub.Drain(runCtx, outputQueue, codec.New(), log)
	go ingestor.Run(runCtx, inputQueue)

	time.Sleep(500 * time.Millisecond)

	// Build a frame, serialize it and ship it to the ingest queue.
	payload := []byte{10, 20, 30, 40, 50, 60}
	view, err := entity.NewView(payload, nil, payload, 2, 1, 3, entity.EncodingNone, 0)
	require.NoError(t, err)
	frame, err := entity.NewFrame(view)
	require.NoError(t, err)
	md, err := frame.Meta()
	require.NoError(t, err)
	require.NoError(t, md.Set("camera", "itest-cam"))

	env, err := frame.Serialize()
	require.NoError(t, err)

	inputPub, err := rabbitmq.NewPublisher(rmqConn, exchange, inQueue)
	require.NoError(t, err)
	require.NoError(t, inputPub.Publish(ctx, env))
	inputPub.Close()

	// Wait for the processed envelope on the capture queue.
	deliveries, err := captureCh.Consume(outQueue, "", true, false, false, false, nil)
	require.NoError(t, err)

	var body []byte
	select {
	case d := <-deliveries:
		body = d.Body
	case <-time.After(time.Minute):
		t.Fatal("timeout waiting for processed frame")
	}

	var wire wireEnvelope
	require.NoError(t, msgpack.Unmarshal(body, &wire))
	require.Len(t, wire.Blobs, 1)
	assert.Equal(t, payload, wire.Blobs[0])
	assert.Equal(t, "itest-cam", wire.Meta["camera"])
	assert.EqualValues(t, 2, wire.Meta[entity.KeyWidth])
	assert.EqualValues(t, 1, wire.Meta[entity.KeyHeight])
	assert.EqualValues(t, 3, wire.Meta[entity.KeyChannels])

	stop()
	t.Log("frame round-tripped through ingest, UDF chain and publish")
}
