package workers

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := NewPool(zap.NewNop(), &Config{Name: "test", NumWorkers: 4, QueueSize: 64})
	p.Start()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.SubmitFunc(func() error {
			defer wg.Done()
			count.Add(1)
			return nil
		}))
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int64(50), count.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(zap.NewNop(), &Config{Name: "drain", NumWorkers: 1, QueueSize: 64})
	p.Start()

	var count atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, p.SubmitFunc(func() error {
			count.Add(1)
			return nil
		}))
	}
	p.Stop()
	assert.Equal(t, int64(20), count.Load(), "queued tasks run before shutdown")
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(zap.NewNop(), &Config{Name: "panic", NumWorkers: 2, QueueSize: 8})
	p.Start()

	err := p.SubmitWait(TaskFunc(func() error {
		panic("boom")
	}))
	// The panic comes back to the caller instead of killing the worker.
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Recovered)

	// Subsequent tasks still run.
	ran := false
	require.NoError(t, p.SubmitWait(TaskFunc(func() error {
		ran = true
		return nil
	})))
	p.Stop()

	assert.True(t, ran)
	assert.Equal(t, int64(1), p.Stats().Panicked)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultConfig("stopped"))
	p.Start()
	p.Stop()

	err := p.SubmitFunc(func() error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(zap.NewNop(), &Config{Name: "full", NumWorkers: 1, QueueSize: 1})
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func() error {
		<-block
		return nil
	}))

	// Fill the single queue slot, then the next submit must fail fast.
	filled := false
	for i := 0; i < 3; i++ {
		if err := p.SubmitFunc(func() error { return nil }); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			filled = true
			break
		}
	}
	close(block)
	assert.True(t, filled)
}

func TestPoolTaskErrorsCounted(t *testing.T) {
	p := NewPool(zap.NewNop(), &Config{Name: "errs", NumWorkers: 2, QueueSize: 8})
	p.Start()

	wantErr := errors.New("bad input")
	err := p.SubmitWait(TaskFunc(func() error { return wantErr }))
	assert.ErrorIs(t, err, wantErr)
	p.Stop()

	assert.Equal(t, int64(1), p.Stats().Failed)
}
