// ABOUTME: Delegation service: fans out tagged requests and suspends until all replies arrive.
// ABOUTME: Completions are fed in by the ingestion layer; late or foreign replies are orphaned.

package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/2389/coven-conductor/internal/conversation"
	"github.com/2389/coven-conductor/internal/eventnet"
)

// Service coordinates synchronous delegation over the asynchronous event
// network. A Delegate call opens a turn, publishes one request per
// recipient, and suspends until the ingestion layer has recorded a
// completion from every target.
type Service struct {
	conv   *conversation.Service
	net    eventnet.Client
	ident  eventnet.Identity
	agents *conversation.Registry
	logger *slog.Logger

	mu            sync.Mutex
	waiters       map[string]chan *conversation.RoutingEntry // keyed by turn id
	recordOrphans bool
}

// NewService creates a delegation service publishing as the given identity.
// It hooks into turn finalization so a suspended Delegate resolves no matter
// what closes its turn: coverage, a forced close, or a phase transition.
func NewService(conv *conversation.Service, net eventnet.Client, ident eventnet.Identity, agents *conversation.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		conv:    conv,
		net:     net,
		ident:   ident,
		agents:  agents,
		logger:  logger.With("component", "delegate"),
		waiters: make(map[string]chan *conversation.RoutingEntry),
	}
	conv.OnTurnClosed(s.turnClosed)
	return s
}

// turnClosed wakes the waiter for a finalized turn, if one is suspended.
// Runs under the conversation lock; the waiter channel is buffered so the
// send never blocks.
func (s *Service) turnClosed(convID string, turn *conversation.RoutingEntry) {
	s.mu.Lock()
	waiter, ok := s.waiters[turn.ID]
	if ok {
		delete(s.waiters, turn.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	waiter <- turn
	s.logger.Debug("waiter resolved",
		"conversation_id", convID,
		"turn_id", turn.ID,
		"forced", turn.Forced)
}

// SetRecordOrphans opts in to recording replies from agents outside the
// target set instead of rejecting them. Recorded orphans never count toward
// coverage and never close a turn.
func (s *Service) SetRecordOrphans(record bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordOrphans = record
}

// Delegate publishes a request to every target and blocks until the turn is
// finalized or ctx is cancelled. Full coverage returns the closed turn with
// completions in arrival order; a turn finalized by something else (a forced
// close or a phase transition) also resolves the wait, returning the closed
// turn with Forced set.
//
// If a turn is already open for the conversation, Delegate fails with
// conversation.ErrTurnOpen before publishing anything. If publishing fails
// after the turn opened, the turn is left open for caller-driven cleanup.
// On cancellation the turn is force-closed; replies arriving afterwards are
// logged as orphaned and never reopen it.
func (s *Service) Delegate(ctx context.Context, convID string, targets []string, payload, reason string) (*conversation.RoutingEntry, error) {
	// Resolve every recipient before any dispatch occurs
	recipients := make([]conversation.Agent, 0, len(targets))
	for _, name := range targets {
		agent, err := s.agents.Get(name)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, agent)
	}

	turn, err := s.conv.OpenTurn(ctx, convID, targets, reason)
	if err != nil {
		return nil, err
	}

	done := make(chan *conversation.RoutingEntry, 1)
	s.mu.Lock()
	s.waiters[turn.ID] = done
	s.mu.Unlock()

	for _, agent := range recipients {
		ev, err := eventnet.NewRequest(s.ident, convID, turn.ID, agent.Name, agent.PublicKey, payload)
		if err != nil {
			s.removeWaiter(turn.ID)
			return nil, err
		}
		if err := s.net.Publish(ctx, ev); err != nil {
			// Leave the turn open: the caller decides whether to
			// retry or force-close.
			s.removeWaiter(turn.ID)
			return nil, fmt.Errorf("dispatching to %s: %w", agent.Name, err)
		}
		s.logger.Debug("request dispatched",
			"conversation_id", convID,
			"turn_id", turn.ID,
			"agent", agent.Name,
			"event_id", ev.ID)
	}

	select {
	case closed := <-done:
		return closed, nil
	case <-ctx.Done():
		s.cancel(convID, turn.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

// cancel tears down the wait and force-closes the turn so it cannot sit
// open forever. Uses a detached context because the caller's is already done.
func (s *Service) cancel(convID, turnID string, cause error) {
	s.removeWaiter(turnID)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()

	if _, err := s.conv.ForceCloseTurn(closeCtx, convID, fmt.Sprintf("delegation cancelled: %v", cause)); err != nil {
		if !errors.Is(err, conversation.ErrTurnClosed) {
			s.logger.Error("failed to close cancelled turn",
				"conversation_id", convID,
				"turn_id", turnID,
				"error", err)
		}
	}
}

func (s *Service) removeWaiter(turnID string) {
	s.mu.Lock()
	delete(s.waiters, turnID)
	s.mu.Unlock()
}

// HandleEvent ingests a completion event from the network. It verifies that
// the signing key matches the claimed agent, records the completion, and
// wakes the suspended Delegate call on full coverage. Intended to be
// registered as the ingest handler for eventnet.KindCompletion.
func (s *Service) HandleEvent(ctx context.Context, ev *nostr.Event) error {
	convID := eventnet.TagValue(ev, eventnet.TagConversation)
	turnID := eventnet.TagValue(ev, eventnet.TagTurn)
	agentName := eventnet.TagValue(ev, eventnet.TagAgent)
	if convID == "" || turnID == "" || agentName == "" {
		return fmt.Errorf("completion event %s missing correlation tags", ev.ID)
	}

	agent, ok := s.agents.ByPublicKey(ev.PubKey)
	if !ok || agent.Name != agentName {
		s.logger.Warn("completion signer does not match claimed agent",
			"event_id", ev.ID,
			"claimed", agentName,
			"pubkey", ev.PubKey)
		return nil
	}

	return s.HandleCompletion(ctx, convID, turnID, agentName, ev.Content)
}

// HandleCompletion records one agent reply against a turn. Replies for a
// closed turn or from a non-target agent are logged as orphaned completions
// and are not errors; the transport will happily deliver them and they must
// not take the consumer down.
func (s *Service) HandleCompletion(ctx context.Context, convID, turnID, agent, content string) error {
	s.mu.Lock()
	force := s.recordOrphans
	s.mu.Unlock()

	closedTurn, closed, err := s.conv.RecordCompletion(ctx, convID, turnID, agent, content, false)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrNotTarget) && force:
			_, _, err = s.conv.RecordCompletion(ctx, convID, turnID, agent, content, true)
			if err != nil {
				return err
			}
			s.logger.Info("orphaned completion recorded without closing",
				"conversation_id", convID,
				"turn_id", turnID,
				"agent", agent)
			return nil
		case errors.Is(err, conversation.ErrTurnClosed),
			errors.Is(err, conversation.ErrNotTarget),
			errors.Is(err, conversation.ErrDuplicateCompletion):
			s.logger.Warn("orphaned completion discarded",
				"conversation_id", convID,
				"turn_id", turnID,
				"agent", agent,
				"reason", err)
			return nil
		default:
			return err
		}
	}

	if closed {
		// The close hook has already woken the waiter.
		s.logger.Info("turn completed",
			"conversation_id", convID,
			"turn_id", turnID,
			"completions", len(closedTurn.Completions))
	}
	return nil
}
