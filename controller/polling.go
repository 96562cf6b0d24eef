package controller

import (
	"context"
	"time"

	"github.com/vicktor/ypsomed-pump/pumpble"
)

// pollFailureNotifyThreshold is the consecutive-failure count that triggers
// a surface-level notification (spec.md §4.7); polling itself never
// attempts an automatic reconnect beyond the normal episode retry.
const pollFailureNotifyThreshold = 3

// StartPolling launches the 60s (by default) background poll described in
// spec.md §4.7: System Status, Events/Alerts counts via GLB, and a delta
// history fetch mapped to user-facing events whenever a count has grown.
// Stop must be called to release the goroutine.
func (c *Controller) StartPolling(ctx context.Context) {
	if c.pollStop != nil {
		return
	}
	c.pollStop = make(chan struct{})
	c.pollDone = make(chan struct{})

	go c.pollLoop(ctx)
}

// StopPolling signals the poll loop to exit and waits for it to do so.
func (c *Controller) StopPolling() {
	if c.pollStop == nil {
		return
	}
	close(c.pollStop)
	<-c.pollDone
	c.pollStop, c.pollDone = nil, nil
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer close(c.pollDone)

	var lastEventsCount, lastAlertsCount int32
	haveBaseline := false

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pollStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, alerts, err := c.pollOnce(ctx)
		if err != nil {
			c.noteFailure()
			continue
		}
		c.noteSuccess()

		if !haveBaseline {
			lastEventsCount, lastAlertsCount = events, alerts
			haveBaseline = true
			continue
		}

		if events > lastEventsCount {
			c.drainHistoryDelta(ctx, pumpble.StreamEvents, lastEventsCount, events)
			lastEventsCount = events
		}
		if alerts > lastAlertsCount {
			c.drainHistoryDelta(ctx, pumpble.StreamAlerts, lastAlertsCount, alerts)
			lastAlertsCount = alerts
		}
	}
}

// pollOnce runs one System-Status + Events/Alerts-count episode.
func (c *Controller) pollOnce(ctx context.Context) (eventsCount, alertsCount int32, err error) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		events, err := proto.HistoryCount(ctx, pumpble.StreamEvents)
		if err != nil {
			return nil, err
		}
		alerts, err := proto.HistoryCount(ctx, pumpble.StreamAlerts)
		if err != nil {
			return nil, err
		}
		return [2]int32{events, alerts}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	counts := result.([2]int32)
	return counts[0], counts[1], nil
}

// drainHistoryDelta reads [from, to) of stream and publishes a mapped event
// for every entry whose type code is recognized.
func (c *Controller) drainHistoryDelta(ctx context.Context, stream pumpble.Stream, from, to int32) {
	result, err := c.keyDeathWrapped(ctx, func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error) {
		return proto.ReadHistoryRange(ctx, stream, from, to)
	})
	if err != nil {
		return
	}

	for _, entry := range result.([]pumpble.HistoryEntry) {
		if ev, ok := eventFromHistory(entry); ok {
			c.events.publish(ev)
		}
	}
}

func (c *Controller) noteFailure() {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.consecutivePollFail++
	if c.consecutivePollFail == pollFailureNotifyThreshold {
		c.publishState(ConnectionState{Kind: StateError, Msg: "repeated polling failures", Attempt: c.consecutivePollFail})
	}
}

func (c *Controller) noteSuccess() {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.consecutivePollFail = 0
}
