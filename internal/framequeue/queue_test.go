package framequeue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
)

func makeFrame(t *testing.T, payload []byte) *entity.Frame {
	t.Helper()
	v, err := entity.NewView(payload, nil, payload, len(payload), 1, 1, entity.EncodingNone, 0)
	require.NoError(t, err)
	f, err := entity.NewFrame(v)
	require.NoError(t, err)
	return f
}

func TestPushPopFIFO(t *testing.T) {
	q := New(-1)
	f1 := makeFrame(t, []byte{1})
	f2 := makeFrame(t, []byte{2})
	f3 := makeFrame(t, []byte{3})

	require.NoError(t, q.Push(f1))
	require.NoError(t, q.Push(f2))
	require.NoError(t, q.Push(f3))
	assert.Equal(t, 3, q.Size())

	// Same instances, same order, no duplication.
	assert.Same(t, f1, q.Front())
	assert.Same(t, f1, q.Pop())
	assert.Same(t, f2, q.Pop())
	assert.Same(t, f3, q.Pop())
	assert.True(t, q.Empty())
}

func TestBoundedPushReturnsFull(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(makeFrame(t, []byte{1})))
	require.NoError(t, q.Push(makeFrame(t, []byte{2})))

	err := q.Push(makeFrame(t, []byte{3}))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPushWaitBlocksUntilSpace(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Push(makeFrame(t, []byte{1})))

	released := make(chan struct{})
	go func() {
		require.NoError(t, q.PushWait(makeFrame(t, []byte{2})))
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("PushWait returned on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Pop()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("PushWait did not wake after space freed")
	}
}

func TestWaitFor(t *testing.T) {
	q := New(-1)

	start := time.Now()
	assert.False(t, q.WaitFor(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(makeFrame(t, []byte{1}))
	}()
	assert.True(t, q.WaitFor(time.Second))
	assert.NotNil(t, q.Pop())
}

func TestStopWakesWaiters(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Push(makeFrame(t, []byte{1})))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := q.PushWait(makeFrame(t, []byte{2}))
		assert.ErrorIs(t, err, ErrQueueStopped)
	}()

	time.Sleep(50 * time.Millisecond)
	q.Stop()
	wg.Wait()

	// The queued frame is still poppable after Stop; then Pop drains to nil
	// instead of blocking.
	assert.NotNil(t, q.Pop())
	assert.Nil(t, q.Pop())

	assert.ErrorIs(t, q.Push(makeFrame(t, []byte{3})), ErrQueueStopped)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New(4)
	const producers, perProducer = 4, 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.PushWait(makeFrame(t, []byte{byte(i)})))
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for got < producers*perProducer {
			if f := q.Pop(); f != nil {
				got++
			}
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer starved")
	}
	assert.Equal(t, producers*perProducer, got)
}
