package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/vicktor/ypsomed-pump/pumpble"
)

// EventKind names every user-facing event the processor can emit (spec.md
// §4.7's edge-triggered rules and history type-code mapping).
type EventKind int

const (
	EventBatteryLow EventKind = iota
	EventBatteryEmpty
	EventReservoirLow
	EventReservoirEmpty
	EventCartridgeChanged
	EventDeliveryModeChanged
	EventDeliveryStopped
	EventTBRStarted
	EventTBRCompleted
	EventTBRCancelled
	EventBolusStarted
	EventBolusCompleted
	EventBolusCancelled
	EventBolusTimeout
	EventOcclusion
	EventAutoStop
)

func (k EventKind) String() string {
	names := [...]string{
		"battery_low", "battery_empty", "reservoir_low", "reservoir_empty",
		"cartridge_changed", "delivery_mode_changed", "delivery_stopped",
		"tbr_started", "tbr_completed", "tbr_cancelled",
		"bolus_started", "bolus_completed", "bolus_cancelled", "bolus_timeout",
		"occlusion", "auto_stop",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Event is one point on the pump_events stream.
type Event struct {
	Kind    EventKind
	Message string
	At      time.Time

	// Units/Percent/Duration carry the event-specific numeric payload
	// where applicable (e.g. bolus units delivered, TBR percent/duration).
	Units    float64
	Percent  int32
	Duration int32
	OldMode  pumpble.DeliveryMode
	NewMode  pumpble.DeliveryMode
}

// eventProcessor tracks the last-known System Status fields needed to
// edge-trigger events, per spec.md §4.7. It is reset on every fresh connect
// so the first poll after a reconnect establishes a baseline without
// spurious events.
type eventProcessor struct {
	mu sync.Mutex

	haveBaseline bool
	lastBattery  uint8
	lastInsulin  float64
	lastMode     pumpble.DeliveryMode

	batteryLowLatched, batteryEmptyLatched     bool
	reservoirLowLatched, reservoirEmptyLatched bool
}

func newEventProcessor() *eventProcessor {
	return &eventProcessor{}
}

// reset clears baseline state; called at the start of every episode.
func (p *eventProcessor) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haveBaseline = false
	p.lastBattery = 0
	p.lastInsulin = 0
	p.lastMode = 0
	p.batteryLowLatched, p.batteryEmptyLatched = false, false
	p.reservoirLowLatched, p.reservoirEmptyLatched = false, false
}

// process compares status against the last-known snapshot and returns the
// events that crossed a threshold or changed state since then.
func (p *eventProcessor) process(status pumpble.SystemStatus) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := status
	var out []Event

	if !p.haveBaseline {
		p.haveBaseline = true
		p.lastBattery = now.BatteryPercent
		p.lastInsulin = now.InsulinUnits()
		p.lastMode = now.DeliveryMode
		p.batteryLowLatched = now.BatteryPercent < 20
		p.batteryEmptyLatched = now.BatteryPercent < 5
		p.reservoirLowLatched = now.InsulinUnits() < 20
		p.reservoirEmptyLatched = now.InsulinUnits() < 5
		return nil
	}

	if now.BatteryPercent < 20 && !p.batteryLowLatched {
		out = append(out, Event{Kind: EventBatteryLow, Message: "battery low"})
	}
	p.batteryLowLatched = now.BatteryPercent < 20

	if now.BatteryPercent < 5 && !p.batteryEmptyLatched {
		out = append(out, Event{Kind: EventBatteryEmpty, Message: "battery empty"})
	}
	p.batteryEmptyLatched = now.BatteryPercent < 5

	insulin := now.InsulinUnits()
	if insulin > p.lastInsulin+50 {
		out = append(out, Event{Kind: EventCartridgeChanged, Message: "cartridge changed", Units: insulin})
	}
	if insulin < 20 && !p.reservoirLowLatched {
		out = append(out, Event{Kind: EventReservoirLow, Message: "reservoir low", Units: insulin})
	}
	p.reservoirLowLatched = insulin < 20
	if insulin < 5 && !p.reservoirEmptyLatched {
		out = append(out, Event{Kind: EventReservoirEmpty, Message: "reservoir empty", Units: insulin})
	}
	p.reservoirEmptyLatched = insulin < 5
	p.lastInsulin = insulin

	if now.DeliveryMode != p.lastMode {
		old := p.lastMode
		out = append(out, Event{
			Kind:    EventDeliveryModeChanged,
			Message: fmt.Sprintf("mode changed (%v -> %v)", old, now.DeliveryMode),
			OldMode: old,
			NewMode: now.DeliveryMode,
		})
		if now.DeliveryMode == pumpble.ModeStopped {
			out = append(out, Event{Kind: EventDeliveryStopped, Message: "delivery stopped"})
		}
		if now.DeliveryMode == pumpble.ModeTBR {
			out = append(out, Event{Kind: EventTBRStarted, Message: "TBR started"})
		}
		if old == pumpble.ModeTBR && now.DeliveryMode == pumpble.ModeBasal {
			out = append(out, Event{Kind: EventTBRCompleted, Message: "TBR completed"})
		}
	}
	p.lastMode = now.DeliveryMode
	p.lastBattery = now.BatteryPercent

	return out
}

// historyEventKind maps Events-stream history type codes to EventKinds,
// per spec.md §4.7: codes 1/2/3 are fast-bolus running/completed/cancelled
// (value1/100 = units), 9/10/32 are TBR running/completed/cancelled,
// 100/101/104/105/106 are battery/reservoir/occlusion/auto-stop alerts.
// Unknown codes are ignored.
func historyEventKind(typeCode uint8) (EventKind, bool) {
	switch typeCode {
	case 1:
		return EventBolusStarted, true
	case 2:
		return EventBolusCompleted, true
	case 3:
		return EventBolusCancelled, true
	case 9:
		return EventTBRStarted, true
	case 10:
		return EventTBRCompleted, true
	case 32:
		return EventTBRCancelled, true
	case 100:
		return EventBatteryLow, true
	case 101:
		return EventBatteryEmpty, true
	case 104:
		return EventOcclusion, true
	case 105:
		return EventReservoirLow, true
	case 106:
		return EventAutoStop, true
	default:
		return 0, false
	}
}

// eventFromHistory converts a raw history entry into a user-facing event,
// if its type code is one of the mapped kinds.
func eventFromHistory(e pumpble.HistoryEntry) (Event, bool) {
	kind, ok := historyEventKind(e.Type)
	if !ok {
		return Event{}, false
	}

	ev := Event{Kind: kind, At: e.Timestamp, Message: kind.String()}
	switch e.Type {
	case 1, 2, 3:
		ev.Units = float64(e.Value1) / 100
	case 9, 10, 32:
		ev.Percent = int32(e.Value1)
		ev.Duration = int32(e.Value2)
	}
	return ev, true
}
