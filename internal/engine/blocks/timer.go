package blocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"

	"go.uber.org/zap"
)

const (
	periodHour   = "hour"
	periodDay    = "day"
	periodWeek   = "week"
	periodMonth  = "month"
	periodYear   = "year"
	periodCustom = "custom"

	timerStateArmed   = "armed"
	timerStateCounter = "counter"
)

// Timer fires TimerEvents on a cron schedule derived from its start date and
// period. Users arm the timer through Run/StartTimer events; each logical
// tick carries the armed scopes and starts a fresh dispatch chain.
type Timer struct {
	engine.Base

	mask     string
	interval int
	endDate  time.Time
}

func NewTimer(ref *engine.Ref) (*Timer, error) {
	t := &Timer{Base: engine.NewBase(ref), interval: 1}

	period := ref.Config.OptionString("period")
	start := time.Now().UTC()
	if raw := ref.Config.OptionString("startDate"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("invalid timer startDate: " + err.Error())
		}
		start = parsed.UTC()
	}
	if raw := ref.Config.OptionString("endDate"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("invalid timer endDate: " + err.Error())
		}
		t.endDate = parsed.UTC()
	}
	if n, ok := ref.Config.OptionFloat("periodInterval"); ok && n >= 1 {
		t.interval = int(n)
	}

	mask, err := scheduleMask(period, start, ref.Config.OptionString("periodMask"))
	if err != nil {
		return nil, err
	}
	t.mask = mask
	return t, nil
}

// scheduleMask derives a cron mask from the period anchored at the start
// date. Custom periods supply their own mask.
func scheduleMask(period string, start time.Time, customMask string) (string, error) {
	switch period {
	case periodHour:
		return fmt.Sprintf("%d * * * *", start.Minute()), nil
	case periodDay, "":
		return fmt.Sprintf("%d %d * * *", start.Minute(), start.Hour()), nil
	case periodWeek:
		return fmt.Sprintf("%d %d * * %d", start.Minute(), start.Hour(), int(start.Weekday())), nil
	case periodMonth:
		return fmt.Sprintf("%d %d %d * *", start.Minute(), start.Hour(), start.Day()), nil
	case periodYear:
		return fmt.Sprintf("%d %d %d %d *", start.Minute(), start.Hour(), start.Day(), int(start.Month())), nil
	case periodCustom:
		if customMask == "" {
			return "", errors.New("custom timer period requires a periodMask")
		}
		return customMask, nil
	}
	return "", errors.New("unknown timer period: " + period)
}

func (t *Timer) jobName() string {
	return t.Policy.ID + "/" + t.Config.ID
}

func (t *Timer) AfterInit(ctx context.Context) error {
	if t.Services.Scheduler == nil {
		return nil
	}
	err := t.Services.Scheduler.AddJob(t.jobName(), t.mask, func(jobCtx context.Context) {
		if err := t.Tick(jobCtx); err != nil {
			t.Log().Error("timer tick failed: "+err.Error(), zap.String("blockId", t.Config.ID))
		}
	})
	if err != nil {
		return t.Err(err.Error())
	}
	return nil
}

func (t *Timer) Destroy(ctx context.Context) error {
	if t.Services.Scheduler != nil {
		t.Services.Scheduler.RemoveJob(t.jobName())
	}
	return nil
}

// OnEvent arms and disarms the calling user's scope.
func (t *Timer) OnEvent(ctx context.Context, event *engine.Event) error {
	switch event.Input {
	case model.InputRunEvent, model.InputStartTimerEvent:
		return t.setArmed(ctx, event.User, true)
	case model.InputStopTimerEvent:
		return t.setArmed(ctx, event.User, false)
	}
	return nil
}

func (t *Timer) setArmed(ctx context.Context, user *model.PolicyUser, armed bool) error {
	if user == nil {
		return nil
	}
	state, err := t.GetState(ctx, "")
	if err != nil {
		return t.Err("failed to load the timer state: " + err.Error())
	}
	scopes, _ := state[timerStateArmed].(map[string]interface{})
	if scopes == nil {
		scopes = make(map[string]interface{})
	}
	if armed {
		scopes[user.ScopeID()] = true
	} else {
		delete(scopes, user.ScopeID())
	}
	state[timerStateArmed] = scopes
	if err := t.SaveState(ctx, "", state); err != nil {
		return t.Err("failed to save the timer state: " + err.Error())
	}
	return nil
}

// Tick runs one cron fire. With periodInterval N only every Nth fire becomes
// a logical tick; past the end date the job unregisters itself for good.
func (t *Timer) Tick(ctx context.Context) error {
	if !t.endDate.IsZero() && time.Now().UTC().After(t.endDate) {
		if t.Services.Scheduler != nil {
			t.Services.Scheduler.RemoveJob(t.jobName())
		}
		t.Log().Info("timer reached its end date", zap.String("blockId", t.Config.ID))
		return nil
	}

	state, err := t.GetState(ctx, "")
	if err != nil {
		return t.Err("failed to load the timer state: " + err.Error())
	}

	if t.interval > 1 {
		counter := 0
		switch c := state[timerStateCounter].(type) {
		case int:
			counter = c
		case float64:
			counter = int(c)
		}
		counter = (counter + 1) % t.interval
		state[timerStateCounter] = counter
		if err := t.SaveState(ctx, "", state); err != nil {
			return t.Err("failed to save the timer state: " + err.Error())
		}
		if counter != 0 {
			return nil
		}
	}

	scopes, _ := state[timerStateArmed].(map[string]interface{})
	scopeIDs := make([]string, 0, len(scopes))
	for id := range scopes {
		scopeIDs = append(scopeIDs, id)
	}

	owner := &model.PolicyUser{DID: t.Policy.Owner, Role: model.RoleOwner, PolicyID: t.Policy.ID}
	t.Log().Debug("timer tick", zap.String("blockId", t.Config.ID), zap.Int("scopes", len(scopeIDs)))
	return t.TriggerScoped(ctx, owner, nil, scopeIDs, model.OutputTimerEvent)
}
