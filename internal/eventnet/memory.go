// ABOUTME: In-memory event bus implementing the Client interface.
// ABOUTME: Used by tests and single-process runs; enforces valid signatures like a relay.

package eventnet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Bus is an in-memory Client. Events are verified, kept in a backlog for
// replay to late subscribers, and fanned out to every matching subscription.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*busSub
	nextID  int
	backlog []*nostr.Event
	closed  bool
}

type busSub struct {
	filters nostr.Filters
	ch      chan *nostr.Event
}

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*busSub)}
}

// Publish verifies the event signature, stores it, and delivers it to every
// subscription whose filters match. Slow subscribers drop events rather
// than blocking the publisher, matching relay behavior.
func (b *Bus) Publish(ctx context.Context, ev nostr.Event) error {
	if ok, err := ev.CheckSignature(); !ok {
		if err != nil {
			return fmt.Errorf("rejecting unsigned event: %w", err)
		}
		return fmt.Errorf("rejecting event %s: bad signature", ev.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	stored := ev
	b.backlog = append(b.backlog, &stored)
	for _, sub := range b.subs {
		if matchesAny(sub.filters, &stored) {
			select {
			case sub.ch <- &stored:
			default:
			}
		}
	}
	return nil
}

// Subscribe replays matching backlog events (honoring each filter's limit)
// and then streams live events until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}

	sub := &busSub{filters: filters, ch: make(chan *nostr.Event, 64)}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	// Replay backlog within the limit of whichever filter matched
	remaining := replayBudget(filters)
	for _, ev := range b.backlog {
		if remaining == 0 {
			break
		}
		if matchesAny(filters, ev) {
			select {
			case sub.ch <- ev:
				if remaining > 0 {
					remaining--
				}
			default:
			}
		}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok && cur == sub {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// Close shuts the bus down and closes all subscription channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}

// matchesAny reports whether any filter in the set matches the event.
func matchesAny(filters nostr.Filters, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// replayBudget returns the combined backlog replay limit for a filter set.
// A filter without a limit means unbounded replay (-1).
func replayBudget(filters nostr.Filters) int {
	budget := 0
	for _, f := range filters {
		if f.Limit <= 0 {
			return -1
		}
		budget += f.Limit
	}
	if budget == 0 {
		return -1
	}
	return budget
}
