package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/handoff/pkg/adapters/events/memory"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ports.TelemetrySink = (*Recorder)(nil)
	_ ports.TelemetrySink = (*BusSink)(nil)
	_ ports.TelemetrySink = Multi(nil)
)

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()

	require.NoError(t, r.RecordEvent(ctx, domain.LifecycleEvent{Seq: 1, TaskID: "t1", Event: domain.EventStart}))
	require.NoError(t, r.RecordEvent(ctx, domain.LifecycleEvent{Seq: 2, TaskID: "t1", Event: domain.EventSuccess}))
	require.NoError(t, r.RecordEvent(ctx, domain.LifecycleEvent{Seq: 3, TaskID: "t2", Event: domain.EventStart}))
	require.NoError(t, r.RecordSummary(ctx, "t1", domain.RunSummary{Started: 1, Succeeded: 1}))
	require.NoError(t, r.RecordSummary(ctx, "t1", domain.RunSummary{Started: 2, Failed: 1, Retried: 1}))

	events := r.Events("t1")
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, domain.EventSuccess, events[1].Event)
	assert.Equal(t, domain.RunSummary{Started: 3, Succeeded: 1, Failed: 1, Retried: 1}, r.Summary("t1"))

	r.Reset("t1")
	assert.Empty(t, r.Events("t1"))
	assert.Len(t, r.Events("t2"), 1)
}

func TestBusSinkPublishesEnvelopes(t *testing.T) {
	bus := memory.NewInMemoryEventBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []ports.Event
	require.NoError(t, bus.Subscribe(ctx, Topic, func(_ context.Context, e ports.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	}))

	sink := NewBusSink(bus, nil)
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	duration := int64(15)
	require.NoError(t, sink.RecordEvent(ctx, domain.LifecycleEvent{
		Seq: 7, Event: domain.EventFailure, Timestamp: ts, TaskID: "task", NodeID: "n",
		Attempt: 2, Priority: domain.PriorityP0, DurationMs: &duration, ErrorMessage: "boom",
	}))
	require.NoError(t, sink.RecordSummary(ctx, "task", domain.RunSummary{Started: 2, Failed: 2}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ports.EventTypeAttemptFailed, got[0].Type)
	assert.Equal(t, "task", got[0].ExecutionID)
	assert.True(t, ts.Equal(got[0].Timestamp))
	assert.Equal(t, int64(7), got[0].Data["seq"])
	assert.Equal(t, "boom", got[0].Data["errorMessage"])
	assert.Equal(t, int64(15), got[0].Data["durationMs"])
	assert.Equal(t, ports.EventTypeRunSummary, got[1].Type)
	assert.Equal(t, 2, got[1].Data["failed"])
}

func TestToBusEventOmitsDurationOnStart(t *testing.T) {
	e := ToBusEvent(domain.LifecycleEvent{Event: domain.EventStart, TaskID: "t"})
	assert.Equal(t, ports.EventTypeAttemptStarted, e.Type)
	assert.NotContains(t, e.Data, "durationMs")
	assert.NotContains(t, e.Data, "errorMessage")
	assert.NotEmpty(t, e.ID)
}

type failingSink struct{}

func (failingSink) RecordEvent(context.Context, domain.LifecycleEvent) error {
	return errors.New("sink down")
}

func (failingSink) RecordSummary(context.Context, string, domain.RunSummary) error {
	return errors.New("sink down")
}

func TestMultiFansOut(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder()
	m := Multi{failingSink{}, nil, rec}

	err := m.RecordEvent(ctx, domain.LifecycleEvent{TaskID: "x", Seq: 1})
	assert.EqualError(t, err, "sink down")
	assert.Len(t, rec.Events("x"), 1)

	assert.Error(t, m.RecordSummary(ctx, "x", domain.RunSummary{Started: 1}))
	assert.Equal(t, 1, rec.Summary("x").Started)
}
