// Package controller implements the connect-on-demand command controller
// (spec.md §4.7): a single mutex-guarded episode wraps every pump
// operation, decrypt failure on the forced resync read is treated as key
// death and triggers exactly one relay-mediated renewal attempt, and
// bolus/TBR/time/cancel commands get bounded linear-backoff retry since
// their loss is safe to retry.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/pumpble"
	"github.com/vicktor/ypsomed-pump/session"
)

// errKeyDead is raised internally by the episode when the forced System
// Status resync read fails to decrypt. It never crosses the Controller's
// public API — keyDeathWrapped either resolves it via renewal or converts
// it into a NeedsKeyExchange error.
var errKeyDead = errors.New("controller: key dead")

// disconnectSettle is the pause after every episode's disconnect, per
// spec.md §4.7's `finally` step.
const disconnectSettle = 300 * time.Millisecond

// statusRetryWait and statusRetryAttempts implement the forced resync
// read's transient-failure retry window (spec.md §4.7, §5).
const (
	statusRetryWait     = 500 * time.Millisecond
	statusRetryAttempts = 3
)

// Controller serializes all pump interactions behind one mutex and exposes
// the high-level command surface spec.md §4.7 describes.
type Controller struct {
	cfg Config

	mu sync.Mutex

	needsRenewal atomic.Bool

	events *broadcaster[Event]
	states *broadcaster[ConnectionState]
	procs  *eventProcessor

	statusMu    sync.Mutex
	lastStatus  *pumpble.SystemStatus
	lastUpdated time.Time

	failMu              sync.Mutex
	consecutivePollFail int

	pollStop chan struct{}
	pollDone chan struct{}
}

// NewController validates cfg (merged over the defaults) and returns a
// Controller ready to run episodes. It does not connect or start polling.
func NewController(opts ...Option) (*Controller, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Dialer == nil {
		return nil, pump.NewError(pump.KindTransport, "controller: no Dialer configured")
	}
	if cfg.Store == nil {
		return nil, pump.NewError(pump.KindKeyMissing, "controller: no Store configured")
	}
	if cfg.MAC == nil {
		return nil, pump.NewError(pump.KindTransport, "controller: no MAC configured")
	}

	return &Controller{
		cfg:    cfg,
		events: newBroadcaster[Event](cfg.EventReplay),
		states: newBroadcaster[ConnectionState](cfg.StateReplay),
		procs:  newEventProcessor(),
	}, nil
}

// Events subscribes to the pump_events stream, receiving replayed history
// first and live events thereafter.
func (c *Controller) Events() (<-chan Event, func()) {
	return c.events.subscribe()
}

// ConnectionStates subscribes to the connection_state stream.
func (c *Controller) ConnectionStates() (<-chan ConnectionState, func()) {
	return c.states.subscribe()
}

// NeedsRenewal reports whether a key exchange is needed: it is set when an
// episode finds no persisted key or a key renewal does not end in a working
// key, and cleared when a command or a renewal succeeds.
func (c *Controller) NeedsRenewal() bool {
	return c.needsRenewal.Load()
}

// LastStatus returns the most recently observed System Status snapshot, if
// any episode has completed its forced resync read yet.
func (c *Controller) LastStatus() (pumpble.SystemStatus, time.Time, bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.lastStatus == nil {
		return pumpble.SystemStatus{}, time.Time{}, false
	}
	return *c.lastStatus, c.lastUpdated, true
}

func (c *Controller) publishState(s ConnectionState) {
	c.states.publish(s)
}

func (c *Controller) updateCachedStatus(status pumpble.SystemStatus) {
	c.statusMu.Lock()
	c.lastStatus = &status
	c.lastUpdated = time.Now()
	c.statusMu.Unlock()

	for _, ev := range c.procs.process(status) {
		ev.At = time.Now()
		c.events.publish(ev)
	}
}

// episodeBody is the user-supplied work run once the connection is up,
// authenticated, and the session cryptor is installed and resynced.
type episodeBody func(ctx context.Context, proto *pumpble.Protocol, status pumpble.SystemStatus) (interface{}, error)

// episode implements spec.md §4.7's connect-on-demand sequence: connect
// direct, authenticate, load cryptor, install + mark unsynced, forced
// status read with transient retry, cache the status, run body, and always
// disconnect + settle on the way out. Callers must hold c.mu — episode
// itself only guarantees at-most-one in-flight BLE connection when that
// invariant holds.
func (c *Controller) episode(ctx context.Context, body episodeBody) (interface{}, error) {
	c.procs.reset()

	c.publishState(ConnectionState{Kind: StateConnecting})
	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.MAC)
	if err != nil {
		c.publishState(ConnectionState{Kind: StateError, Msg: "connect failed", Cause: err})
		return nil, pump.WrapError(pump.KindTransport, "connect failed", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = conn.Close(disconnectCtx)
		cancel()
		c.publishState(ConnectionState{Kind: StateDisconnected})
		time.Sleep(disconnectSettle)
	}()

	c.publishState(ConnectionState{Kind: StateInitializing})
	proto := pumpble.New(conn, c.cfg.Log)

	if err := proto.Authenticate(ctx, c.cfg.MAC); err != nil {
		c.publishState(ConnectionState{Kind: StateError, Msg: "authentication failed", Cause: err})
		return nil, err
	}

	cryptor, err := session.Load(c.cfg.Store, c.cfg.Log)
	if err != nil {
		return nil, err
	}
	if cryptor == nil {
		c.needsRenewal.Store(true)
		c.publishState(ConnectionState{Kind: StateError, Code: "NeedsKeyExchange", Msg: "no persisted shared key"})
		return nil, pump.NewError(pump.KindKeyMissing, "no persisted shared key")
	}

	proto.InstallCryptor(cryptor)
	proto.MarkCountersUnsynced()

	status, err := c.readStatusWithRetry(ctx, proto)
	if err != nil {
		if proto.LastDecryptFailed {
			return nil, errKeyDead
		}
		c.publishState(ConnectionState{Kind: StateError, Msg: "status read failed", Cause: err})
		return nil, err
	}

	c.updateCachedStatus(status)
	c.publishState(ConnectionState{Kind: StateReady})

	return body(ctx, proto, status)
}

// readStatusWithRetry implements the pseudocode's "for i in 2..3" transient
// retry window: up to statusRetryAttempts total tries, 500ms apart,
// aborting immediately (no further retry) the moment a decrypt failure is
// observed.
func (c *Controller) readStatusWithRetry(ctx context.Context, proto *pumpble.Protocol) (pumpble.SystemStatus, error) {
	status, err := proto.ReadSystemStatus(ctx)
	if err == nil {
		return status, nil
	}
	if proto.LastDecryptFailed {
		return pumpble.SystemStatus{}, err
	}

	for attempt := 2; attempt <= statusRetryAttempts; attempt++ {
		if werr := sleepCtx(ctx, statusRetryWait); werr != nil {
			return pumpble.SystemStatus{}, werr
		}
		status, err = proto.ReadSystemStatus(ctx)
		if err == nil {
			return status, nil
		}
		if proto.LastDecryptFailed {
			return pumpble.SystemStatus{}, err
		}
	}

	return pumpble.SystemStatus{}, pump.NewError(pump.KindTransport, "system status read failed after retries")
}

// keyDeathWrapped is the outer boundary of one user command: it holds the
// mutex for the entire sequence below (at most one in-flight command, and
// the BLE connection opened by episode or renewal is never contended). It
// runs the episode once; if it reports key death, it waits 1s, renews via
// the relay exactly once, waits 1s, and retries the episode exactly once
// more. Any other outcome of the renewal attempt (success or failure) is
// not retried further — single-shot policy per spec.md §9.
func (c *Controller) keyDeathWrapped(ctx context.Context, body episodeBody) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.episode(ctx, body)
	if err == nil {
		c.needsRenewal.Store(false)
		return result, nil
	}
	if !errors.Is(err, errKeyDead) {
		return nil, err
	}

	c.needsRenewal.Store(true)

	if werr := sleepCtx(ctx, c.cfg.RenewalBackoff); werr != nil {
		return nil, werr
	}

	c.publishState(ConnectionState{Kind: StateRecovering, Attempt: 1})
	if err := c.renewKeyViaRelay(ctx); err != nil {
		return nil, err
	}
	c.needsRenewal.Store(false)

	if werr := sleepCtx(ctx, c.cfg.RenewalBackoff); werr != nil {
		return nil, werr
	}

	result, err = c.episode(ctx, body)
	if err != nil {
		if errors.Is(err, errKeyDead) {
			c.needsRenewal.Store(true)
			return nil, pump.NewError(pump.KindKeyValidationFailed, "key still dead after renewal")
		}
		return nil, err
	}
	c.needsRenewal.Store(false)
	return result, nil
}

// criticalRetryWrapped wraps keyDeathWrapped with the bolus/TBR/time/cancel
// retry policy: up to CriticalRetryAttempts tries with linear backoff
// (2000ms * attempt), swallowing only transient transport errors.
// Cancellation and non-transient errors (auth, key validation, framing)
// propagate immediately.
func (c *Controller) criticalRetryWrapped(ctx context.Context, body episodeBody) (interface{}, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.CriticalRetryAttempts; attempt++ {
		result, err := c.keyDeathWrapped(ctx, body)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !pump.Is(err, pump.KindTransport) {
			return nil, err
		}

		lastErr = err
		if attempt == c.cfg.CriticalRetryAttempts {
			break
		}
		if werr := sleepCtx(ctx, time.Duration(attempt)*2*time.Second); werr != nil {
			return nil, werr
		}
	}
	return nil, lastErr
}
