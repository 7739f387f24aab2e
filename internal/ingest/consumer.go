// ABOUTME: Exactly-once event consumer: subscribes, deduplicates via the ledger, dispatches.
// ABOUTME: Handler failures are logged and the event stays marked processed.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/2389/coven-conductor/internal/eventnet"
)

// Handler processes one classified inbound event. Handlers must be
// idempotent or self-recovering: a failing handler does not get the event
// redelivered, because the transport cannot be asked to replay a single
// event.
type Handler func(ctx context.Context, ev *nostr.Event) error

// defaultFlushInterval bounds how long an accepted id sits only in memory.
const defaultFlushInterval = 10 * time.Second

// Consumer feeds deduplicated events from the network to kind-registered
// handlers. Each distinct event id is dispatched to exactly one handler
// exactly once, across the process lifetime and across restarts.
type Consumer struct {
	client        eventnet.Client
	ledger        *Ledger
	logger        *slog.Logger
	flushInterval time.Duration

	mu       sync.Mutex
	handlers map[int]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumer creates a consumer over the given network client and ledger.
func NewConsumer(client eventnet.Client, ledger *Ledger, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:        client,
		ledger:        ledger,
		logger:        logger.With("component", "ingest"),
		flushInterval: defaultFlushInterval,
		handlers:      make(map[int]Handler),
	}
}

// SetFlushInterval overrides the periodic ledger flush interval.
func (c *Consumer) SetFlushInterval(d time.Duration) {
	if d > 0 {
		c.flushInterval = d
	}
}

// Handle registers the handler for an event kind. Must be called before Start.
func (c *Consumer) Handle(kind int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Start subscribes with the given filters and begins dispatching in the
// background. It returns once the subscription is established.
func (c *Consumer) Start(ctx context.Context, filters nostr.Filters) error {
	runCtx, cancel := context.WithCancel(ctx)
	events, err := c.client.Subscribe(runCtx, filters)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing: %w", err)
	}
	c.cancel = cancel

	c.wg.Add(2)
	go c.dispatchLoop(runCtx, events)
	go c.flushLoop(runCtx)

	c.logger.Info("ingestion started", "filters", len(filters))
	return nil
}

// dispatchLoop drains the subscription, dropping duplicates before any
// handler runs.
func (c *Consumer) dispatchLoop(ctx context.Context, events <-chan *nostr.Event) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.ingest(ctx, ev)
		}
	}
}

// ingest deduplicates and dispatches a single event.
func (c *Consumer) ingest(ctx context.Context, ev *nostr.Event) {
	if c.ledger.CheckAndMark(ev.ID) {
		c.logger.Debug("duplicate event dropped", "event_id", ev.ID)
		return
	}

	c.mu.Lock()
	handler, ok := c.handlers[ev.Kind]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("no handler for event kind", "kind", ev.Kind, "event_id", ev.ID)
		return
	}

	// The event stays marked processed even if the handler fails: the
	// transport cannot redeliver a single event, so retrying would mean
	// replaying from the relay and re-running every other handler too.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"event_id", ev.ID,
				"kind", ev.Kind,
				"panic", r)
		}
	}()
	if err := handler(ctx, ev); err != nil {
		c.logger.Error("handler failed",
			"event_id", ev.ID,
			"kind", ev.Kind,
			"error", err)
	}
}

// flushLoop periodically persists newly accepted ledger ids.
func (c *Consumer) flushLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ledger.Flush(); err != nil {
				// Losing these ids silently would reintroduce
				// duplicate processing after a restart.
				c.logger.Error("ledger flush failed", "error", err)
			}
		}
	}
}

// Close stops accepting events, flushes the ledger, and returns. The
// network client is owned by the caller and is not closed here.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.ledger.Flush(); err != nil {
		c.logger.Error("final ledger flush failed", "error", err)
		return fmt.Errorf("flushing ledger on shutdown: %w", err)
	}
	c.logger.Info("ingestion stopped", "processed", c.ledger.Len())
	return nil
}
