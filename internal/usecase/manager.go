package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/domain/port"
	"github.com/edgepipe/udf-pipeline-service/internal/executor"
	"github.com/edgepipe/udf-pipeline-service/internal/framequeue"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/config"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/metrics"
	"github.com/edgepipe/udf-pipeline-service/internal/profiling"
)

// popTick bounds how long a worker blocks on the input queue before
// re-checking the stop flag.
const popTick = 250 * time.Millisecond

const randSuffixLen = 5

// UdfLoader resolves a configured UDF name onto a loaded handle.
type UdfLoader interface {
	Load(name string, cfg port.UDFConfig, maxWorkers int) (port.Handle, error)
}

// UdfManager drains the input queue with a fixed worker pool, walks every
// frame through the configured UDF chain in order, and pushes survivors to
// the output queue with backpressure.
//
// Per frame, UDFs run strictly in configured order. Across frames there is
// no ordering guarantee above max_workers=1; UDFs are expected to be
// stateless or carry per-frame state in metadata.
type UdfManager struct {
	handles     []port.Handle
	in          *framequeue.FrameQueue
	out         *framequeue.FrameQueue
	exec        *executor.Executor
	profile     *profiling.Profiler
	serviceName string
	maxWorkers  int

	encType entity.Encoding
	encLvl  int

	pushEntryKey string
	pushBlockKey string

	stopped   atomic.Bool
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewUdfManager loads every configured UDF and prepares the pool. Any
// loader failure is fatal; nothing is half-constructed.
func NewUdfManager(
	p *config.Pipeline,
	l UdfLoader,
	in, out *framequeue.FrameQueue,
	serviceName string,
	profile *profiling.Profiler,
	logger *zap.Logger,
) (*UdfManager, error) {
	m := &UdfManager{
		in:           in,
		out:          out,
		profile:      profile,
		serviceName:  serviceName,
		maxWorkers:   p.MaxWorkers,
		encType:      p.Encoding,
		encLvl:       p.EncodeLvl,
		pushEntryKey: serviceName + "_UDF_output_queue_ts",
		pushBlockKey: serviceName + "_UDF_output_queue_blocked_ts",
		logger:       logger,
	}

	for i, ucfg := range p.UDFs {
		name, _ := ucfg.Name()
		handle, err := l.Load(name, ucfg, 1)
		if err != nil {
			return nil, fmt.Errorf("load udf %q: %w", name, err)
		}

		if profile.Enabled() {
			// The first_ marker on index 0 is relied on by downstream
			// timeline tooling; keep it verbatim.
			marker := ""
			if i == 0 {
				marker = "first_"
			}
			rand := randSuffix()
			handle.SetProfEntryKey(fmt.Sprintf("%s_%s_%s_%sentry", name, rand, serviceName, marker))
			handle.SetProfExitKey(fmt.Sprintf("%s_%s_%s_%sexit", name, rand, serviceName, marker))
		}
		m.handles = append(m.handles, handle)
	}

	logger.Info("udf manager configured",
		zap.Int("udfs", len(m.handles)),
		zap.Int("max_workers", m.maxWorkers),
	)
	return m, nil
}

func randSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:randSuffixLen]
}

// Handles exposes the loaded chain, in configured order.
func (m *UdfManager) Handles() []port.Handle {
	return m.handles
}

// Start spins up the worker pool. Workers begin draining the input queue
// immediately.
func (m *UdfManager) Start() {
	if m.exec != nil {
		return
	}
	m.exec = executor.New(m.maxWorkers, m.runWorker)
}

// Stop sets the stop flag and joins the workers. In-flight UDF calls run
// to completion; a blocked output push is woken through the queue's stop
// notification. Idempotent.
func (m *UdfManager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.out.Stop()
	if m.exec != nil {
		m.exec.Stop()
	}
}

// Close stops the pool, drains both queues destroying residual frames
// (input first: no worker will consume them anymore), and releases the
// handles.
func (m *UdfManager) Close() {
	m.closeOnce.Do(func() {
		m.Stop()
		m.in.Stop()

		drained := 0
		for f := m.in.TryPop(); f != nil; f = m.in.TryPop() {
			f.Close()
			drained++
		}
		for f := m.out.TryPop(); f != nil; f = m.out.TryPop() {
			f.Close()
			drained++
		}
		if drained > 0 {
			m.logger.Info("destroyed residual frames at shutdown", zap.Int("count", drained))
		}

		for _, h := range m.handles {
			if err := h.Close(); err != nil {
				m.logger.Error("failed to close udf handle",
					zap.String("udf", h.Name()), zap.Error(err))
			}
		}
	})
}

func (m *UdfManager) runWorker(id int, stop *atomic.Bool) {
	log := m.logger.With(zap.Int("worker_id", id))
	log.Info("udf manager worker started")
	tracer := otel.Tracer("usecase")

	for !stop.Load() && !m.stopped.Load() {
		if !m.in.WaitFor(popTick) {
			continue
		}
		frame := m.in.Pop()
		if frame == nil {
			continue
		}
		metrics.ActiveWorkers.Inc()
		metrics.QueueDepth.WithLabelValues("input").Set(float64(m.in.Size()))
		m.processFrame(frame, log, tracer)
		metrics.ActiveWorkers.Dec()
	}

	log.Info("udf manager worker stopped")
}

func (m *UdfManager) processFrame(frame *entity.Frame, log *zap.Logger, tracer trace.Tracer) {
	_, span := tracer.Start(context.Background(), "udf_chain")
	defer span.End()

	// Advertise the target encoding; the commit happens at serialization
	// on the bus path, not here.
	enc, _ := frame.Encoding(0)
	lvl, _ := frame.EncodeLevel(0)
	if enc != m.encType || lvl != m.encLvl {
		if err := frame.SetEncoding(0, m.encType, m.encLvl); err != nil {
			log.Error("failed to set frame encoding", zap.Error(err))
		}
	}

	verdict := entity.VerdictOK
	for _, handle := range m.handles {
		if frame == nil {
			break
		}

		md, _ := frame.Meta()
		m.profile.Annotate(md, handle.ProfEntryKey())
		start := time.Now()
		verdict = handle.Process(frame)
		metrics.UdfProcessDuration.WithLabelValues(handle.Name()).Observe(time.Since(start).Seconds())
		m.profile.Annotate(md, handle.ProfExitKey())

		span.SetAttributes(attribute.String("udf."+handle.Name(), verdict.String()))

		switch verdict {
		case entity.VerdictDropFrame:
			log.Debug("dropping frame", zap.String("udf", handle.Name()))
			frame.Close()
			frame = nil
		case entity.VerdictError:
			log.Error("failed to process frame", zap.String("udf", handle.Name()))
			frame.Close()
			frame = nil
		case entity.VerdictOK, entity.VerdictFrameModified:
			// Keep the frame either way; FrameModified is a tracing hint.
		default:
			log.Error("unknown verdict from udf",
				zap.String("udf", handle.Name()), zap.Int("verdict", int(verdict)))
			frame.Close()
			frame = nil
		}
	}

	metrics.FramesProcessedTotal.WithLabelValues(verdict.String()).Inc()

	if frame == nil || !verdict.Keep() {
		return
	}

	md, _ := frame.Meta()
	m.profile.Annotate(md, m.pushEntryKey)

	err := m.out.Push(frame)
	if errors.Is(err, framequeue.ErrQueueFull) {
		m.profile.Annotate(md, m.pushBlockKey)
		metrics.OutputQueueBlockedTotal.Inc()
		if err := m.out.PushWait(frame); err != nil {
			log.Error("failed to enqueue processed frame, frame dropped", zap.Error(err))
			frame.Close()
			return
		}
	} else if err != nil {
		// Queue stopped mid-shutdown.
		frame.Close()
		return
	}
	metrics.QueueDepth.WithLabelValues("output").Set(float64(m.out.Size()))
}
