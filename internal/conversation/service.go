// ABOUTME: Service is the single owner of conversation mutation
// ABOUTME: All phase changes, turn lifecycle, and history writes flow through here

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-conductor/internal/phase"
	"github.com/2389/coven-conductor/internal/store"
)

// ErrTurnOpen is returned when an operation requires no open turn but one exists.
var ErrTurnOpen = errors.New("a turn is already open for this conversation")

// ErrTurnClosed is returned when a completion arrives for a turn that is not current.
var ErrTurnClosed = errors.New("turn is not open")

// ErrNotTarget is returned when a completion names an agent outside the turn's target set.
var ErrNotTarget = errors.New("agent is not a target of this turn")

// ErrDuplicateCompletion is returned when an agent completes the same turn twice.
var ErrDuplicateCompletion = errors.New("agent already completed this turn")

// Service coordinates all conversation state changes. Per-conversation
// operations are serialized by an entry lock, which is what guarantees at
// most one routing decision in flight per conversation.
type Service struct {
	store  store.Store
	phases *phase.Registry
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	closeHooks []func(convID string, turn *RoutingEntry)
}

type entry struct {
	mu   sync.Mutex
	conv *Conversation
}

// NewService creates a conversation service backed by the given store.
func NewService(st store.Store, phases *phase.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		phases:  phases,
		logger:  logger.With("component", "conversation"),
		entries: make(map[string]*entry),
	}
}

// Phases exposes the phase registry the service validates against.
func (s *Service) Phases() *phase.Registry {
	return s.phases
}

// OnTurnClosed registers fn to run whenever a turn is finalized, whatever
// closed it: full coverage, forced closure, or a phase transition. fn
// receives a copy of the closed turn, runs under the conversation's lock,
// and must not call back into the Service.
func (s *Service) OnTurnClosed(fn func(convID string, turn *RoutingEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHooks = append(s.closeHooks, fn)
}

// Create starts a new conversation in the CHAT phase. An empty id generates one.
func (s *Service) Create(ctx context.Context, id, title string) (*Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	conv := &Conversation{
		ID:        id,
		Title:     title,
		Phase:     phase.Chat,
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec, err := recordFor(conv)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateConversation(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.mu.Lock()
	s.entries[id] = &entry{conv: conv}
	s.mu.Unlock()

	s.logger.Info("conversation created", "conversation_id", id, "title", title)
	return conv.Clone(), nil
}

// Get returns a deep copy of the conversation state.
func (s *Service) Get(ctx context.Context, id string) (*Conversation, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), nil
}

// AppendMessage adds a message to the conversation history.
func (s *Service) AppendMessage(ctx context.Context, id, author, content string) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		conv.History = append(conv.History, Message{
			Author:  author,
			Content: content,
			At:      time.Now(),
		})
		return nil
	})
}

// SetAgentState records per-agent state on the conversation.
func (s *Service) SetAgentState(ctx context.Context, id, agent string, state AgentState) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		if conv.AgentStates == nil {
			conv.AgentStates = make(map[string]AgentState)
		}
		state.UpdatedAt = time.Now()
		conv.AgentStates[agent] = state
		return nil
	})
}

// SetMetadata records a free-form metadata key on the conversation.
func (s *Service) SetMetadata(ctx context.Context, id, key, value string) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]string)
		}
		conv.Metadata[key] = value
		return nil
	})
}

// AddActiveTime accumulates execution time spent on the conversation.
func (s *Service) AddActiveTime(ctx context.Context, id string, d time.Duration) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		conv.ActiveSeconds += d.Seconds()
		return nil
	})
}

// Transition applies a phase change after validating it against the
// transition graph. A custom target phase is registered on the fly when
// instructions are supplied. A phase boundary always terminates the
// in-flight turn, whatever its completion state. On validation failure the
// conversation is left unchanged.
func (s *Service) Transition(ctx context.Context, id, target, instructions, agent, reason string) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		if !s.phases.Known(target) && instructions != "" {
			if err := s.phases.RegisterCustom(target, instructions); err != nil {
				return err
			}
		}
		if err := s.phases.Validate(conv.Phase, target); err != nil {
			return err
		}

		if conv.CurrentTurn != nil {
			s.closeTurnLocked(conv, "phase change to "+target, true)
		}

		conv.PhaseLog = append(conv.PhaseLog, PhaseTransition{
			From:   conv.Phase,
			To:     target,
			Agent:  agent,
			Reason: reason,
			At:     time.Now(),
		})
		conv.Phase = target

		s.logger.Info("phase transition",
			"conversation_id", conv.ID,
			"from", conv.PhaseLog[len(conv.PhaseLog)-1].From,
			"to", target,
			"agent", agent)
		return nil
	})
}

// OpenTurn creates a new routing turn targeting the given agents. Returns
// ErrTurnOpen if a turn is already open: at most one turn may be in flight
// per conversation.
func (s *Service) OpenTurn(ctx context.Context, id string, targets []string, reason string) (*RoutingEntry, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("turn requires at least one target agent")
	}

	var opened *RoutingEntry
	err := s.update(ctx, id, func(conv *Conversation) error {
		if conv.CurrentTurn != nil {
			return ErrTurnOpen
		}
		turn := &RoutingEntry{
			ID:        uuid.New().String(),
			CreatedAt: time.Now(),
			Phase:     conv.Phase,
			Targets:   append([]string(nil), targets...),
			Reason:    reason,
		}
		conv.CurrentTurn = turn
		opened = cloneTurn(turn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("turn opened",
		"conversation_id", id,
		"turn_id", opened.ID,
		"targets", opened.Targets)
	return opened, nil
}

// RecordCompletion records an agent's reply against the current turn.
// When the completion closes the coverage gap the turn is finalized: marked
// completed, appended to the turn log, and cleared as current. The returned
// bool reports whether the turn is now closed.
//
// Replies for a non-current turn return ErrTurnClosed; replies from agents
// outside the target set return ErrNotTarget unless force is set, in which
// case the completion is recorded without counting toward coverage.
func (s *Service) RecordCompletion(ctx context.Context, id, turnID, agent, content string, force bool) (*RoutingEntry, bool, error) {
	var (
		snapshot *RoutingEntry
		closed   bool
	)
	err := s.update(ctx, id, func(conv *Conversation) error {
		turn := conv.CurrentTurn
		if turn == nil || turn.ID != turnID {
			return ErrTurnClosed
		}
		target := false
		for _, name := range turn.Targets {
			if name == agent {
				target = true
				break
			}
		}
		if !target && !force {
			return ErrNotTarget
		}
		if turn.HasCompletion(agent) {
			return ErrDuplicateCompletion
		}

		turn.Completions = append(turn.Completions, Completion{
			Agent:   agent,
			Content: content,
			At:      time.Now(),
		})

		if turn.Covered() {
			s.closeTurnLocked(conv, "", false)
			closed = true
			snapshot = cloneTurn(&conv.TurnLog[len(conv.TurnLog)-1])
		} else {
			snapshot = cloneTurn(turn)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Debug("completion recorded",
		"conversation_id", id,
		"turn_id", turnID,
		"agent", agent,
		"closed", closed)
	return snapshot, closed, nil
}

// ForceCloseTurn closes the current turn regardless of coverage, recording
// the reason. Returns ErrTurnClosed if no turn is open.
func (s *Service) ForceCloseTurn(ctx context.Context, id, reason string) (*RoutingEntry, error) {
	var snapshot *RoutingEntry
	err := s.update(ctx, id, func(conv *Conversation) error {
		if conv.CurrentTurn == nil {
			return ErrTurnClosed
		}
		s.closeTurnLocked(conv, reason, true)
		snapshot = cloneTurn(&conv.TurnLog[len(conv.TurnLog)-1])
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("turn force-closed",
		"conversation_id", id,
		"turn_id", snapshot.ID,
		"reason", reason,
		"pending", snapshot.Pending())
	return snapshot, nil
}

// closeTurnLocked finalizes the current turn, appends it to the turn log,
// and notifies close hooks. Must be called with the entry lock held and
// CurrentTurn non-nil.
func (s *Service) closeTurnLocked(conv *Conversation, reason string, forced bool) {
	turn := conv.CurrentTurn
	turn.Completed = true
	if forced {
		turn.Forced = true
		turn.CloseReason = reason
	}
	conv.TurnLog = append(conv.TurnLog, *turn)
	conv.CurrentTurn = nil

	snapshot := cloneTurn(&conv.TurnLog[len(conv.TurnLog)-1])
	s.mu.Lock()
	hooks := append([]func(string, *RoutingEntry){}, s.closeHooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(conv.ID, snapshot)
	}
}

// entry returns the cached entry for a conversation, loading it from the
// store on first access.
func (s *Service) entry(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		rec, err := s.store.GetConversation(ctx, id)
		if err != nil {
			// Drop the placeholder so a later create can succeed
			s.mu.Lock()
			if cur, ok := s.entries[id]; ok && cur == e {
				delete(s.entries, id)
			}
			s.mu.Unlock()
			return nil, err
		}
		var conv Conversation
		if err := json.Unmarshal(rec.Document, &conv); err != nil {
			return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
		}
		e.conv = &conv
		s.logger.Debug("conversation loaded", "conversation_id", id)
	}
	return e, nil
}

// update runs fn under the conversation lock and persists on success.
// Validation failures inside fn leave the conversation untouched because fn
// returns before mutating; persistence runs after fn completes.
func (s *Service) update(ctx context.Context, id string, fn func(conv *Conversation) error) error {
	e, err := s.entry(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.conv); err != nil {
		return err
	}
	e.conv.UpdatedAt = time.Now()
	return s.persist(ctx, e.conv)
}

// persist writes the conversation document to the store.
func (s *Service) persist(ctx context.Context, conv *Conversation) error {
	rec, err := recordFor(conv)
	if err != nil {
		return err
	}
	if err := s.store.SaveConversation(ctx, rec); err != nil {
		s.logger.Error("failed to persist conversation",
			"error", err,
			"conversation_id", conv.ID)
		return fmt.Errorf("persisting conversation: %w", err)
	}
	return nil
}

func recordFor(conv *Conversation) (*store.ConversationRecord, error) {
	doc, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encoding conversation: %w", err)
	}
	return &store.ConversationRecord{
		ID:        conv.ID,
		Title:     conv.Title,
		Phase:     conv.Phase,
		Document:  doc,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}, nil
}
