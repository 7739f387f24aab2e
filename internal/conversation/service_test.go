// ABOUTME: Tests for the conversation service: turn lifecycle, transitions, persistence.
// ABOUTME: Covers the one-open-turn invariant, coverage closing, and reload fidelity.

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-conductor/internal/phase"
	"github.com/2389/coven-conductor/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	return NewService(st, phase.NewRegistry(), nil), st
}

func TestCreate_StartsInChat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "fix the build")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, phase.Chat, conv.Phase)
	assert.Nil(t, conv.CurrentTurn)
}

func TestCreate_Duplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "conv-1", "a")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "conv-1", "b")
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAppendMessage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.AppendMessage(ctx, conv.ID, "user", "please fix the flaky test"))
	require.NoError(t, svc.AppendMessage(ctx, conv.ID, "orchestrator", "on it"))

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "user", got.History[0].Author)
	assert.Equal(t, "on it", got.History[1].Content)
}

func TestOpenTurn_SecondOpenRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	_, err = svc.OpenTurn(ctx, conv.ID, []string{"planner"}, "need a plan")
	require.NoError(t, err)

	_, err = svc.OpenTurn(ctx, conv.ID, []string{"builder"}, "also build")
	assert.ErrorIs(t, err, ErrTurnOpen)
}

func TestOpenTurn_RequiresTargets(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	_, err = svc.OpenTurn(ctx, conv.ID, nil, "empty")
	assert.Error(t, err)
}

// Scenario: turn opened for ["a","b"]; completion for "a" leaves it open,
// completion for "b" closes it and moves it to the log with 2 completions.
func TestRecordCompletion_CoverageClosesTurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"a", "b"}, "fan out")
	require.NoError(t, err)

	_, closed, err := svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "done a", false)
	require.NoError(t, err)
	assert.False(t, closed)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentTurn)
	assert.False(t, got.CurrentTurn.Completed)
	assert.Equal(t, []string{"b"}, got.CurrentTurn.Pending())

	final, closed, err := svc.RecordCompletion(ctx, conv.ID, turn.ID, "b", "done b", false)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.True(t, final.Completed)
	require.Len(t, final.Completions, 2)

	got, err = svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTurn)
	require.Len(t, got.TurnLog, 1)
	assert.True(t, got.TurnLog[0].Completed)
	assert.Len(t, got.TurnLog[0].Completions, 2)
}

func TestRecordCompletion_OrderIsArrivalOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"a", "b"}, "")
	require.NoError(t, err)

	// b replies first even though a is declared first
	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "b", "b first", false)
	require.NoError(t, err)
	final, _, err := svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "a second", false)
	require.NoError(t, err)

	assert.Equal(t, "b", final.Completions[0].Agent)
	assert.Equal(t, "a", final.Completions[1].Agent)
}

func TestRecordCompletion_NonTargetRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"a"}, "")
	require.NoError(t, err)

	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "stranger", "hi", false)
	assert.ErrorIs(t, err, ErrNotTarget)

	// Force-add records without closing
	_, closed, err := svc.RecordCompletion(ctx, conv.ID, turn.ID, "stranger", "hi", true)
	require.NoError(t, err)
	assert.False(t, closed)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentTurn)
	assert.True(t, got.CurrentTurn.HasCompletion("stranger"))
	assert.False(t, got.CurrentTurn.Completed)
}

func TestRecordCompletion_ClosedTurnRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"a"}, "")
	require.NoError(t, err)
	_, closed, err := svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "done", false)
	require.NoError(t, err)
	require.True(t, closed)

	// Late duplicate reply for the closed turn
	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "again", false)
	assert.ErrorIs(t, err, ErrTurnClosed)

	// Closed turns never reopen
	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTurn)
	assert.Len(t, got.TurnLog, 1)
	assert.Len(t, got.TurnLog[0].Completions, 1)
}

func TestRecordCompletion_DuplicateAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"a", "b"}, "")
	require.NoError(t, err)

	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "first", false)
	require.NoError(t, err)
	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "second", false)
	assert.ErrorIs(t, err, ErrDuplicateCompletion)
}

func TestForceCloseTurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"a", "b"}, "")
	require.NoError(t, err)
	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "a", "done", false)
	require.NoError(t, err)

	closed, err := svc.ForceCloseTurn(ctx, conv.ID, "caller timeout")
	require.NoError(t, err)
	assert.True(t, closed.Forced)
	assert.True(t, closed.Completed)
	assert.Equal(t, "caller timeout", closed.CloseReason)
	assert.Len(t, closed.Completions, 1)

	_, err = svc.ForceCloseTurn(ctx, conv.ID, "again")
	assert.ErrorIs(t, err, ErrTurnClosed)
}

// Scenario: decision {agents:["planner"], phase:"PLAN"} applied → phase is
// PLAN with exactly one open turn targeting ["planner"].
func TestTransitionThenOpenTurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Transition(ctx, conv.ID, phase.Plan, "", "orchestrator", "need a plan"))
	_, err = svc.OpenTurn(ctx, conv.ID, []string{"planner"}, "need a plan")
	require.NoError(t, err)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Plan, got.Phase)
	require.NotNil(t, got.CurrentTurn)
	assert.Equal(t, []string{"planner"}, got.CurrentTurn.Targets)
	require.Len(t, got.PhaseLog, 1)
	assert.Equal(t, phase.Chat, got.PhaseLog[0].From)
	assert.Equal(t, phase.Plan, got.PhaseLog[0].To)
}

func TestTransition_InvalidLeavesStateUnchanged(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	// CHAT → REVIEW has no edge
	err = svc.Transition(ctx, conv.ID, phase.Review, "", "orchestrator", "skip ahead")
	assert.ErrorIs(t, err, phase.ErrInvalidTransition)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Chat, got.Phase)
	assert.Empty(t, got.PhaseLog)
}

func TestTransition_ForceClosesOpenTurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	_, err = svc.OpenTurn(ctx, conv.ID, []string{"a", "b"}, "")
	require.NoError(t, err)

	require.NoError(t, svc.Transition(ctx, conv.ID, phase.Plan, "", "orchestrator", "replan"))

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTurn)
	require.Len(t, got.TurnLog, 1)
	assert.True(t, got.TurnLog[0].Forced)
	assert.Contains(t, got.TurnLog[0].CloseReason, "phase change")
}

func TestTransition_CustomPhase(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "", "")
	require.NoError(t, err)

	err = svc.Transition(ctx, conv.ID, "INCIDENT", "Investigate the outage.", "orchestrator", "prod is down")
	require.NoError(t, err)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "INCIDENT", got.Phase)
	assert.Equal(t, "Investigate the outage.", svc.Phases().Instructions("INCIDENT"))
}

// Serializing then reloading a conversation reproduces identical phase,
// history length, turn count, and completion contents.
func TestReloadFromStore(t *testing.T) {
	st := store.NewMockStore()
	svc := NewService(st, phase.NewRegistry(), nil)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "conv-1", "restart test")
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(ctx, conv.ID, "user", "do the thing"))
	require.NoError(t, svc.Transition(ctx, conv.ID, phase.Plan, "", "orchestrator", "plan first"))
	turn, err := svc.OpenTurn(ctx, conv.ID, []string{"planner"}, "plan it")
	require.NoError(t, err)
	_, _, err = svc.RecordCompletion(ctx, conv.ID, turn.ID, "planner", "1. do it", false)
	require.NoError(t, err)
	require.NoError(t, svc.SetAgentState(ctx, conv.ID, "planner", AgentState{Status: "idle"}))
	require.NoError(t, svc.AddActiveTime(ctx, conv.ID, 90*time.Second))

	// Fresh service over the same store simulates a process restart
	svc2 := NewService(st, phase.NewRegistry(), nil)
	got, err := svc2.Get(ctx, "conv-1")
	require.NoError(t, err)

	assert.Equal(t, phase.Plan, got.Phase)
	assert.Len(t, got.History, 1)
	require.Len(t, got.TurnLog, 1)
	require.Len(t, got.TurnLog[0].Completions, 1)
	assert.Equal(t, "planner", got.TurnLog[0].Completions[0].Agent)
	assert.Equal(t, "1. do it", got.TurnLog[0].Completions[0].Content)
	assert.Equal(t, "idle", got.AgentStates["planner"].Status)
	assert.InDelta(t, 90.0, got.ActiveSeconds, 0.01)
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
