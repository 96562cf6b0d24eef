package controller

import (
	"context"
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/pumpble"
)

// bolusNotifyTimeout bounds how long a bolus command waits for a terminal
// notification before giving up (spec.md §5 Timeouts: "Waiting for a
// terminal bolus notification: 300s").
const bolusNotifyTimeout = 300 * time.Second

// Status runs a read-only episode and returns the System Status snapshot
// taken during the forced resync read. Reads don't get critical retry —
// transient failure surfaces to the caller (spec.md §4.7).
func (c *Controller) Status(ctx context.Context) (pumpble.SystemStatus, error) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return status, nil
	})
	if err != nil {
		return pumpble.SystemStatus{}, err
	}
	return result.(pumpble.SystemStatus), nil
}

// StartBolus issues a start-bolus command with critical retry: bolus
// commands are safe to retry because the pump never partially observes a
// rejected write. It subscribes to the bolus-notification characteristic
// before writing, then awaits the terminal state the write provokes,
// correlating the terminal event against the requested total (spec.md
// §4.6, §4.7).
func (c *Controller) StartBolus(ctx context.Context, totalCenti, durationMin, immediateCenti uint32, typ pumpble.BolusType) error {
	_, err := c.criticalRetryWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		notify, err := proto.EnableBolusNotify(ctx)
		if err != nil {
			return nil, err
		}
		if err := proto.StartBolus(ctx, totalCenti, durationMin, immediateCenti, typ); err != nil {
			return nil, err
		}
		return nil, c.awaitBolusTerminal(ctx, notify, typ, float64(totalCenti)/100)
	})
	return err
}

// CancelBolus issues a cancel-bolus command with critical retry. The
// correlated amount is the block's injected-so-far total at the moment of
// cancellation, read just before the cancel write.
func (c *Controller) CancelBolus(ctx context.Context, typ pumpble.BolusType) error {
	_, err := c.criticalRetryWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		notify, err := proto.EnableBolusNotify(ctx)
		if err != nil {
			return nil, err
		}

		preCancel, err := proto.ReadBolusStatus(ctx)
		if err != nil {
			return nil, err
		}

		if err := proto.CancelBolus(ctx, typ); err != nil {
			return nil, err
		}
		return nil, c.awaitBolusTerminal(ctx, notify, typ, bolusInjectedUnits(preCancel, typ))
	})
	return err
}

// awaitBolusTerminal consumes bolus-notification frames until the block
// named by typ reaches a terminal state, emitting EventBolusStarted on the
// transition into BolusDelivering and the matching terminal event
// (completed/cancelled) once resolved. It times out after
// bolusNotifyTimeout, emitting EventBolusTimeout.
func (c *Controller) awaitBolusTerminal(ctx context.Context, notify <-chan []byte, typ pumpble.BolusType, units float64) error {
	timer := time.NewTimer(bolusNotifyTimeout)
	defer timer.Stop()

	sawDelivering := false

	for {
		select {
		case raw, ok := <-notify:
			if !ok {
				return pump.NewError(pump.KindTransport, "bolus notification channel closed")
			}

			notif, err := pumpble.ParseBolusNotification(raw)
			if err != nil {
				continue
			}
			state := bolusBlockState(notif, typ)

			if state == pumpble.BolusDelivering && !sawDelivering {
				sawDelivering = true
				c.events.publish(Event{Kind: EventBolusStarted, Message: "bolus started", At: time.Now(), Units: units})
			}

			if state.IsTerminal() {
				kind, msg := EventBolusCompleted, "bolus completed"
				if state == pumpble.BolusCancelled {
					kind, msg = EventBolusCancelled, "bolus cancelled"
				}
				c.events.publish(Event{Kind: kind, Message: msg, At: time.Now(), Units: units})
				return nil
			}

		case <-timer.C:
			c.events.publish(Event{Kind: EventBolusTimeout, Message: "bolus timeout — check pump", At: time.Now(), Units: units})
			return pump.NewError(pump.KindTimeout, "bolus timeout — check pump")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// bolusBlockState picks the fast or slow status field a command cares
// about, matching which block typ addresses.
func bolusBlockState(n pumpble.BolusNotification, typ pumpble.BolusType) pumpble.BolusNotificationState {
	if typ == pumpble.BolusFast {
		return n.FastStatus
	}
	return n.SlowStatus
}

// bolusInjectedUnits reads the injected-so-far amount for typ's block, in
// units rather than centi-units.
func bolusInjectedUnits(s pumpble.BolusStatus, typ pumpble.BolusType) float64 {
	if typ == pumpble.BolusFast {
		return float64(s.Fast.InjectedCenti) / 100
	}
	return float64(s.Slow.InjectedCenti) / 100
}

// BolusStatus reads the combined fast/slow bolus progress.
func (c *Controller) BolusStatus(ctx context.Context) (pumpble.BolusStatus, error) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return proto.ReadBolusStatus(ctx)
	})
	if err != nil {
		return pumpble.BolusStatus{}, err
	}
	return result.(pumpble.BolusStatus), nil
}

// StartTBR issues a start-TBR command with critical retry.
func (c *Controller) StartTBR(ctx context.Context, percent, durationMin int32) error {
	_, err := c.criticalRetryWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return nil, proto.StartTBR(ctx, percent, durationMin)
	})
	return err
}

// CancelTBR issues the cancel-TBR command with critical retry.
func (c *Controller) CancelTBR(ctx context.Context) error {
	_, err := c.criticalRetryWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return nil, proto.CancelTBR(ctx)
	})
	return err
}

// SyncTime writes the pump's date and time with critical retry — "time" is
// named explicitly alongside bolus/TBR/cancel in spec.md §4.7's retry list.
func (c *Controller) SyncTime(ctx context.Context, year uint16, month, day, hour, minute, second uint8) error {
	_, err := c.criticalRetryWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return nil, proto.SyncDateTime(ctx, year, month, day, hour, minute, second)
	})
	return err
}

// ReadBasalProgram reads all 24 hourly rates of the given program. Not
// critical-retried: it's a read.
func (c *Controller) ReadBasalProgram(ctx context.Context, base int32) ([24]float64, error) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return proto.ReadBasalProgram(ctx, base)
	})
	if err != nil {
		return [24]float64{}, err
	}
	return result.([24]float64), nil
}

// ActiveProgram reads which basal program (A/B) is currently selected.
func (c *Controller) ActiveProgram(ctx context.Context) (int32, error) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return proto.ReadSetting(ctx, pumpble.SettingActiveProgram)
	})
	if err != nil {
		return 0, err
	}
	return result.(int32), nil
}

// SetActiveProgram selects basal program A or B by writing the program
// selector value. Matches spec.md §4.7's command surface ("active program
// read/set"); left outside critical retry since it isn't in the named
// bolus/TBR/time/cancel list.
func (c *Controller) SetActiveProgram(ctx context.Context, selector int32) error {
	_, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return nil, proto.WriteSetting(ctx, pumpble.SettingActiveProgram, selector)
	})
	return err
}

// HistoryRange reads entries [from, to) from the named stream. Not
// critical-retried: it's a read.
func (c *Controller) HistoryRange(ctx context.Context, stream pumpble.Stream, from, to int32) ([]pumpble.HistoryEntry, error) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return proto.ReadHistoryRange(ctx, stream, from, to)
	})
	if err != nil {
		return nil, err
	}
	return result.([]pumpble.HistoryEntry), nil
}

// RenewKey forces a relay-mediated key renewal outside of key-death
// handling, exposing the controller's renewal logic as its own command
// surface entry (spec.md §4.7 lists "key-renewal" alongside the other
// operations).
func (c *Controller) RenewKey(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.needsRenewal.Store(true)
	err := c.renewKeyViaRelay(ctx)
	c.needsRenewal.Store(err != nil)
	return err
}
