// ABOUTME: Client interface and the relay pool implementation over go-nostr.
// ABOUTME: Publishes to every relay with bounded retries; subscriptions are merged.

package eventnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// ErrPublishFailed indicates no relay accepted the event after retries.
var ErrPublishFailed = errors.New("publish failed on all relays")

// publishRetries is how many attempts each relay gets before giving up.
const publishRetries = 3

// Client is what the ingestion and delegation layers need from the network.
type Client interface {
	// Publish sends a signed event. It succeeds if at least one relay
	// accepts the event.
	Publish(ctx context.Context, ev nostr.Event) error

	// Subscribe returns a merged stream of events matching the filters
	// from every connected relay. The channel closes when ctx is done.
	// Duplicate delivery across relays is expected; deduplication is the
	// consumer's job.
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)

	// Close releases relay connections.
	Close() error
}

// relayConn is the subset of *nostr.Relay the pool drives.
type relayConn interface {
	Publish(ctx context.Context, event nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters, opts ...nostr.SubscriptionOption) (*nostr.Subscription, error)
	Close() error
}

type poolRelay struct {
	url  string
	conn relayConn
}

// Pool is a Client fanned out over multiple redundant relays.
type Pool struct {
	relays []poolRelay
	logger *slog.Logger
}

// Connect dials every relay URL. It fails only if no relay is reachable;
// partial connectivity is logged and tolerated.
func Connect(ctx context.Context, urls []string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventnet")

	var relays []poolRelay
	for _, url := range urls {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			logger.Warn("relay connection failed", "url", url, "error", err)
			continue
		}
		logger.Info("relay connected", "url", url)
		relays = append(relays, poolRelay{url: url, conn: relay})
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays reachable out of %d configured", len(urls))
	}
	return &Pool{relays: relays, logger: logger}, nil
}

// Publish sends the event to every relay, retrying each a bounded number of
// times. Success on any relay is success overall, including when ctx expires
// partway through the remaining relays.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	var accepted int
	for _, relay := range p.relays {
		var err error
		for attempt := 0; attempt < publishRetries; attempt++ {
			if err = relay.conn.Publish(ctx, ev); err == nil {
				accepted++
				break
			}
			select {
			case <-ctx.Done():
				if accepted > 0 {
					return nil
				}
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			}
		}
		if err != nil {
			p.logger.Warn("relay rejected event",
				"url", relay.url,
				"event_id", ev.ID,
				"error", err)
		}
	}
	if accepted == 0 {
		return fmt.Errorf("%w: event %s", ErrPublishFailed, ev.ID)
	}
	return nil
}

// Subscribe opens the filters on every relay and merges the streams.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	out := make(chan *nostr.Event, 64)
	var wg sync.WaitGroup
	var active int

	for _, relay := range p.relays {
		sub, err := relay.conn.Subscribe(ctx, filters)
		if err != nil {
			p.logger.Warn("relay subscription failed", "url", relay.url, "error", err)
			continue
		}
		active++
		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	if active == 0 {
		return nil, fmt.Errorf("subscribe failed on all %d relays", len(p.relays))
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Close disconnects from all relays.
func (p *Pool) Close() error {
	var firstErr error
	for _, relay := range p.relays {
		if err := relay.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
