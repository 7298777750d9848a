package blocks_test

import (
	"context"
	"testing"
	"time"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timerRoot(options map[string]interface{}) *model.BlockConfig {
	return &model.BlockConfig{
		ID: "root-id", BlockType: model.BlockTypeContainer, Tag: "root",
		Children: []*model.BlockConfig{
			{ID: "timer-id", BlockType: model.BlockTypeTimer, Tag: "timer", Options: options},
		},
		Events: []model.EventBinding{
			{SourceTag: "timer", OutputEvent: model.OutputTimerEvent, TargetTag: "sink", InputEvent: model.InputTimerEvent},
		},
	}
}

func TestTimerTickCarriesArmedScopes(t *testing.T) {
	h := newHarness(t, timerRoot(map[string]interface{}{
		"period":     "custom",
		"periodMask": "* * * * *",
	}))
	timer := h.Block(t, "timer")

	require.NoError(t, timer.OnEvent(context.Background(), &engine.Event{
		Input: model.InputStartTimerEvent, User: testUser("did:example:alice", ""),
	}))
	require.NoError(t, timer.OnEvent(context.Background(), &engine.Event{
		Input: model.InputRunEvent, User: testUser("did:example:bob", ""),
	}))

	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))

	require.Len(t, *h.Events, 1)
	tick := (*h.Events)[0]
	assert.Equal(t, model.InputTimerEvent, tick.Input)
	assert.ElementsMatch(t, []string{"did:example:alice", "did:example:bob"}, tick.ScopeIDs)
}

func TestTimerStopDisarms(t *testing.T) {
	h := newHarness(t, timerRoot(map[string]interface{}{
		"period":     "custom",
		"periodMask": "* * * * *",
	}))
	timer := h.Block(t, "timer")

	require.NoError(t, timer.OnEvent(context.Background(), &engine.Event{
		Input: model.InputStartTimerEvent, User: testUser("did:example:alice", ""),
	}))
	require.NoError(t, timer.OnEvent(context.Background(), &engine.Event{
		Input: model.InputStopTimerEvent, User: testUser("did:example:alice", ""),
	}))

	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))

	require.Len(t, *h.Events, 1)
	assert.Empty(t, (*h.Events)[0].ScopeIDs)
}

func TestTimerPeriodIntervalGatesTicks(t *testing.T) {
	h := newHarness(t, timerRoot(map[string]interface{}{
		"period":         "custom",
		"periodMask":     "* * * * *",
		"periodInterval": 3.0,
	}))
	timer := h.Block(t, "timer")
	require.NoError(t, timer.OnEvent(context.Background(), &engine.Event{
		Input: model.InputStartTimerEvent, User: testUser("did:example:alice", ""),
	}))

	// three cron fires collapse into one logical tick
	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))
	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))
	assert.Empty(t, *h.Events)

	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))
	assert.Len(t, *h.Events, 1)
}

func TestTimerEndDateStopsTheJob(t *testing.T) {
	h := newHarness(t, timerRoot(map[string]interface{}{
		"period":     "custom",
		"periodMask": "* * * * *",
		"endDate":    time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}))
	timer := h.Block(t, "timer")
	require.NoError(t, timer.OnEvent(context.Background(), &engine.Event{
		Input: model.InputStartTimerEvent, User: testUser("did:example:alice", ""),
	}))

	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))
	assert.Empty(t, *h.Events, "a tick past the end date emits nothing")

	// the job unregistered itself for good
	assert.Error(t, h.Services.Scheduler.Trigger("p1/timer-id"))
}

func TestTimerMaskDerivation(t *testing.T) {
	h := newHarness(t, timerRoot(map[string]interface{}{
		"period":    "day",
		"startDate": "2026-01-15T08:30:00Z",
	}))
	// job registered without error; a daily mask anchored at 08:30 is valid
	require.NoError(t, h.Services.Scheduler.Trigger("p1/timer-id"))
}
