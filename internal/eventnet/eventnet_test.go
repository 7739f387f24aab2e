// ABOUTME: Tests for event construction, signing, and the in-memory bus.
// ABOUTME: Validates filter matching, backlog replay, and signature enforcement.

package eventnet

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T, name string) Identity {
	t.Helper()
	id, err := NewIdentity(name)
	require.NoError(t, err)
	return id
}

func TestNewRequest_TagsAndSignature(t *testing.T) {
	orch := testIdentity(t, "orchestrator")
	planner := testIdentity(t, "planner")

	ev, err := NewRequest(orch, "conv-1", "turn-1", "planner", planner.PublicKey, "make a plan")
	require.NoError(t, err)

	assert.Equal(t, KindRequest, ev.Kind)
	assert.Equal(t, "make a plan", ev.Content)
	assert.Equal(t, "conv-1", TagValue(&ev, TagConversation))
	assert.Equal(t, "turn-1", TagValue(&ev, TagTurn))
	assert.Equal(t, "planner", TagValue(&ev, TagAgent))
	assert.Equal(t, planner.PublicKey, TagValue(&ev, TagRecipient))
	assert.Equal(t, orch.PublicKey, ev.PubKey)

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewCompletion_CarriesSenderName(t *testing.T) {
	planner := testIdentity(t, "planner")

	ev, err := NewCompletion(planner, "conv-1", "turn-1", "here is the plan")
	require.NoError(t, err)

	assert.Equal(t, KindCompletion, ev.Kind)
	assert.Equal(t, "planner", TagValue(&ev, TagAgent))
	assert.Equal(t, "turn-1", TagValue(&ev, TagTurn))
}

func TestTagValue_Missing(t *testing.T) {
	ev := nostr.Event{Tags: nostr.Tags{{"c", "conv-1"}}}
	assert.Equal(t, "", TagValue(&ev, "t"))
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := testIdentity(t, "orchestrator")

	ch, err := bus.Subscribe(ctx, nostr.Filters{{Kinds: []int{KindMessage}}})
	require.NoError(t, err)

	ev, err := NewMessage(orch, "conv-1", "hello")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "hello", got.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_FilterByKindAndAuthor(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := testIdentity(t, "orchestrator")
	planner := testIdentity(t, "planner")

	// Only completions from planner
	ch, err := bus.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{KindCompletion},
		Authors: []string{planner.PublicKey},
	}})
	require.NoError(t, err)

	msg, err := NewMessage(orch, "conv-1", "chatter")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, msg))

	done, err := NewCompletion(planner, "conv-1", "turn-1", "result")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, done))

	select {
	case got := <-ch:
		assert.Equal(t, done.ID, got.ID, "only the matching completion should arrive")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra event %s", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_TagFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planner := testIdentity(t, "planner")

	ch, err := bus.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{KindCompletion},
		Tags:  nostr.TagMap{TagConversation: []string{"conv-2"}},
	}})
	require.NoError(t, err)

	other, err := NewCompletion(planner, "conv-1", "turn-1", "wrong conversation")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, other))

	wanted, err := NewCompletion(planner, "conv-2", "turn-9", "right conversation")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, wanted))

	select {
	case got := <-ch:
		assert.Equal(t, wanted.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_BacklogReplayWithLimit(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := testIdentity(t, "orchestrator")
	for i := 0; i < 5; i++ {
		ev, err := NewMessage(orch, "conv-1", "msg")
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, ev))
	}

	ch, err := bus.Subscribe(ctx, nostr.Filters{{Kinds: []int{KindMessage}, Limit: 3}})
	require.NoError(t, err)

	var got int
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-ch:
			got++
		case <-timeout:
			break loop
		}
	}
	assert.Equal(t, 3, got)
}

func TestBus_RejectsBadSignature(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ev := nostr.Event{Kind: KindMessage, Content: "unsigned"}
	assert.Error(t, bus.Publish(context.Background(), ev))
}

func TestBus_ClosedRejectsPublish(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	orch := testIdentity(t, "orchestrator")
	ev, err := NewMessage(orch, "conv-1", "late")
	require.NoError(t, err)
	assert.ErrorIs(t, bus.Publish(context.Background(), ev), ErrBusClosed)
}

func TestIdentityFromKey_RoundTrip(t *testing.T) {
	id := testIdentity(t, "planner")

	restored, err := IdentityFromKey("planner", id.SecretKey())
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, restored.PublicKey)
}
