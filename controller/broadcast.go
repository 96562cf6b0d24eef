package controller

import "sync"

// broadcaster is a bounded multi-consumer event stream with replay for late
// joiners (spec.md §9's "shared notification bus → bounded broadcast"
// design note). No library in the retrieved corpus models a pub/sub bus
// directly, so this is a small hand-rolled implementation rather than a
// stdlib-only stand-in for something the corpus already provides.
type broadcaster[T any] struct {
	mu     sync.Mutex
	replay []T
	maxLen int
	subs   map[chan T]struct{}
}

func newBroadcaster[T any](replayLen int) *broadcaster[T] {
	return &broadcaster[T]{maxLen: replayLen, subs: map[chan T]struct{}{}}
}

// publish fans v out to every live subscriber (non-blocking; a slow
// subscriber drops the value rather than stalling the publisher) and
// appends it to the replay buffer.
func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replay = append(b.replay, v)
	if len(b.replay) > b.maxLen {
		b.replay = b.replay[len(b.replay)-b.maxLen:]
	}

	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// subscribe returns a channel that first receives up to the buffer's replay
// history, then live values. unsubscribe must be called when the caller is
// done reading.
func (b *broadcaster[T]) subscribe() (ch <-chan T, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(chan T, len(b.replay)+8)
	for _, v := range b.replay {
		out <- v
	}
	b.subs[out] = struct{}{}

	return out, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[out]; ok {
			delete(b.subs, out)
			close(out)
		}
	}
}
