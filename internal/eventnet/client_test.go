// ABOUTME: Tests for the relay pool's publish semantics with faked relay connections.
// ABOUTME: One accepting relay is success, even when the context dies mid-fanout.

package eventnet

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	publish func(context.Context, nostr.Event) error
}

func (f *fakeRelay) Publish(ctx context.Context, ev nostr.Event) error {
	return f.publish(ctx, ev)
}

func (f *fakeRelay) Subscribe(ctx context.Context, filters nostr.Filters, opts ...nostr.SubscriptionOption) (*nostr.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRelay) Close() error { return nil }

func testPool(conns ...relayConn) *Pool {
	relays := make([]poolRelay, len(conns))
	for i, c := range conns {
		relays[i] = poolRelay{url: "wss://fake", conn: c}
	}
	return &Pool{relays: relays, logger: slog.Default()}
}

func signedEvent(t *testing.T) nostr.Event {
	t.Helper()
	ident, err := NewIdentity("publisher")
	require.NoError(t, err)
	ev, err := NewStatus(ident, "conv", "ready")
	require.NoError(t, err)
	return ev
}

func TestPoolPublishOneAcceptingRelaySucceeds(t *testing.T) {
	accepting := &fakeRelay{publish: func(context.Context, nostr.Event) error { return nil }}
	rejecting := &fakeRelay{publish: func(context.Context, nostr.Event) error { return errors.New("rejected") }}

	pool := testPool(rejecting, accepting)
	assert.NoError(t, pool.Publish(context.Background(), signedEvent(t)))
}

// An event already accepted by one relay is published, whatever happens to
// the context while the remaining relays are still being tried.
func TestPoolPublishCancelledAfterAcceptanceSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepting := &fakeRelay{publish: func(context.Context, nostr.Event) error { return nil }}
	cancelling := &fakeRelay{publish: func(context.Context, nostr.Event) error {
		cancel()
		return errors.New("connection lost")
	}}

	pool := testPool(accepting, cancelling)
	assert.NoError(t, pool.Publish(ctx, signedEvent(t)))
}

func TestPoolPublishCancelledWithNoAcceptanceFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelling := &fakeRelay{publish: func(context.Context, nostr.Event) error {
		cancel()
		return errors.New("connection lost")
	}}

	pool := testPool(cancelling)
	err := pool.Publish(ctx, signedEvent(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolPublishAllRejectingFails(t *testing.T) {
	rejecting := &fakeRelay{publish: func(context.Context, nostr.Event) error { return errors.New("rejected") }}

	pool := testPool(rejecting)
	err := pool.Publish(context.Background(), signedEvent(t))
	assert.ErrorIs(t, err, ErrPublishFailed)
}
