// ABOUTME: Conversation data model: history, agent states, phase log, and the turn log.
// ABOUTME: All types serialize to JSON so a conversation round-trips through one store document.

package conversation

import (
	"time"
)

// EndTarget is the sentinel agent name signaling the workflow is complete.
// A routing decision targeting only EndTarget opens no further turn.
const EndTarget = "END"

// AuthorUser marks history entries written by the human requester.
const AuthorUser = "user"

// Message is one entry in a conversation's append-only history.
type Message struct {
	Author  string    `json:"author"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// AgentState is free-form per-agent state tracked on a conversation.
type AgentState struct {
	Status    string            `json:"status,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Completion is an agent's reported result for a turn it was assigned.
// Completions are immutable once recorded and owned by their turn.
type Completion struct {
	Agent   string    `json:"agent"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// RoutingEntry tracks one open-or-closed unit of delegated work (a turn).
type RoutingEntry struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	Phase       string       `json:"phase"`
	Targets     []string     `json:"targets"`
	Completions []Completion `json:"completions,omitempty"`
	Reason      string       `json:"reason"`
	Completed   bool         `json:"completed"`
	Forced      bool         `json:"forced,omitempty"`
	CloseReason string       `json:"close_reason,omitempty"`
}

// Covered reports whether every target agent has recorded a completion.
func (t *RoutingEntry) Covered() bool {
	for _, target := range t.Targets {
		if !t.HasCompletion(target) {
			return false
		}
	}
	return true
}

// HasCompletion reports whether the named agent has recorded a completion.
func (t *RoutingEntry) HasCompletion(agent string) bool {
	for _, c := range t.Completions {
		if c.Agent == agent {
			return true
		}
	}
	return false
}

// Pending returns the subset of targets that have not completed yet,
// preserving the declared target order.
func (t *RoutingEntry) Pending() []string {
	var pending []string
	for _, target := range t.Targets {
		if !t.HasCompletion(target) {
			pending = append(pending, target)
		}
	}
	return pending
}

// PhaseTransition is an append-only audit record of a phase change.
type PhaseTransition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Agent  string    `json:"agent"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Conversation holds everything the orchestrator knows about one workflow.
//
// Invariants maintained by the Service:
//   - Phase is always a registered phase.
//   - At most one turn is open at a time: CurrentTurn is the only entry
//     that may be uncompleted, and TurnLog holds only closed turns.
type Conversation struct {
	ID            string                `json:"id"`
	Title         string                `json:"title,omitempty"`
	Phase         string                `json:"phase"`
	History       []Message             `json:"history,omitempty"`
	AgentStates   map[string]AgentState `json:"agent_states,omitempty"`
	PhaseLog      []PhaseTransition     `json:"phase_log,omitempty"`
	TurnLog       []RoutingEntry        `json:"turn_log,omitempty"`
	CurrentTurn   *RoutingEntry         `json:"current_turn,omitempty"`
	Metadata      map[string]string     `json:"metadata,omitempty"`
	ActiveSeconds float64               `json:"active_seconds,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Clone returns a deep copy so callers can read conversation state without
// holding the service lock or mutating owned data.
func (c *Conversation) Clone() *Conversation {
	dup := *c
	dup.History = append([]Message(nil), c.History...)
	dup.PhaseLog = append([]PhaseTransition(nil), c.PhaseLog...)

	dup.TurnLog = make([]RoutingEntry, len(c.TurnLog))
	for i, t := range c.TurnLog {
		dup.TurnLog[i] = *cloneTurn(&t)
	}
	if c.CurrentTurn != nil {
		dup.CurrentTurn = cloneTurn(c.CurrentTurn)
	}

	if c.AgentStates != nil {
		dup.AgentStates = make(map[string]AgentState, len(c.AgentStates))
		for k, v := range c.AgentStates {
			state := v
			if v.Data != nil {
				state.Data = make(map[string]string, len(v.Data))
				for dk, dv := range v.Data {
					state.Data[dk] = dv
				}
			}
			dup.AgentStates[k] = state
		}
	}
	if c.Metadata != nil {
		dup.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

func cloneTurn(t *RoutingEntry) *RoutingEntry {
	dup := *t
	dup.Targets = append([]string(nil), t.Targets...)
	dup.Completions = append([]Completion(nil), t.Completions...)
	return &dup
}
