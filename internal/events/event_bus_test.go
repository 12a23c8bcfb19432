package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	defer bus.Close()

	all := bus.Subscribe()
	stages := bus.Subscribe(TypeStage)

	bus.Publish(NewWorkflowEvent("wf-1", types.StatusInProgress, types.StepCompile, "compiling"))
	bus.Publish(NewStageEvent("wf-1", types.StepCompile, true, 1500*time.Millisecond, ""))

	first := <-all.Events()
	assert.Equal(t, TypeWorkflow, first.EventType())
	assert.Equal(t, "wf-1", first.Workflow())

	second := <-all.Events()
	stage, ok := second.(*StageEvent)
	require.True(t, ok)
	assert.Equal(t, types.StepCompile, stage.Step)
	assert.True(t, stage.Success)
	assert.Equal(t, int64(1500), stage.DurationMS)
	assert.NotEmpty(t, stage.ID)
	assert.False(t, stage.EventTime().IsZero())

	// The filtered subscriber sees only the stage event.
	only := <-stages.Events()
	assert.Equal(t, TypeStage, only.EventType())
	select {
	case ev := <-stages.Events():
		t.Fatalf("unexpected extra event %v", ev.EventType())
	default:
	}

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(3), stats.Delivered)
	assert.Zero(t, stats.Dropped)
	assert.Equal(t, 2, stats.Subscribers)
}

func TestPublishShedsOldestWhenQueueFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), 2)
	defer bus.Close()

	sub := bus.Subscribe(TypeProgress)
	bus.Publish(NewProgressEvent("wf-1", types.StepMonteCarlo, 10, "batch 1/3"))
	bus.Publish(NewProgressEvent("wf-1", types.StepMonteCarlo, 20, "batch 2/3"))
	bus.Publish(NewProgressEvent("wf-1", types.StepMonteCarlo, 30, "batch 3/3"))

	first := (<-sub.Events()).(*ProgressEvent)
	second := (<-sub.Events()).(*ProgressEvent)
	assert.Equal(t, 20.0, first.Percent, "the oldest event was shed")
	assert.Equal(t, 30.0, second.Percent)

	stats := bus.Stats()
	assert.Equal(t, int64(3), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zap.NewNop(), 0)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	bus.Publish(NewWorkflowEvent("wf-1", types.StatusCompleted, "", "done"))
	assert.Equal(t, 0, bus.Stats().Subscribers)
}

func TestCloseDetachesSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	a := bus.Subscribe()
	b := bus.Subscribe(TypeWorkflow)

	bus.Close()
	bus.Close()

	_, open := <-a.Events()
	assert.False(t, open)
	_, open = <-b.Events()
	assert.False(t, open)

	bus.Publish(NewWorkflowEvent("wf-1", types.StatusFailed, "", ""))
	assert.Zero(t, bus.Stats().Published)

	late := bus.Subscribe()
	_, open = <-late.Events()
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")
}

func TestProgressPercentClamped(t *testing.T) {
	assert.Zero(t, NewProgressEvent("wf", types.StepMonteCarlo, -5, "").Percent)
	assert.Equal(t, 100.0, NewProgressEvent("wf", types.StepMonteCarlo, 140, "").Percent)

	a := NewProgressEvent("wf", types.StepMonteCarlo, 50, "")
	b := NewProgressEvent("wf", types.StepMonteCarlo, 50, "")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus(zap.NewNop(), 256)
	defer bus.Close()

	sub := bus.Subscribe()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(NewStageEvent("wf-1", types.StepParseResults, true, time.Millisecond, ""))
			}
		}()
	}
	wg.Wait()

	stats := bus.Stats()
	assert.Equal(t, int64(200), stats.Published)
	assert.Equal(t, int64(200), stats.Delivered)
	assert.Zero(t, stats.Dropped)
	for i := 0; i < 200; i++ {
		<-sub.Events()
	}
}
