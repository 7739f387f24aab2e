// ABOUTME: Routing engine: renders the decision prompt, calls the completion service, parses.
// ABOUTME: Never applies its own decision; the caller drives phase and delegation.

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/2389/coven-conductor/internal/conversation"
	"github.com/2389/coven-conductor/internal/llm"
	"github.com/2389/coven-conductor/internal/phase"
)

// ErrBadDecision indicates the completion service returned something that
// does not parse into the expected decision shape. It is surfaced, not
// silently retried; callers may wrap Decide in a bounded retry policy.
var ErrBadDecision = errors.New("malformed routing decision")

// Decision is the parsed output of one routing cycle. It is ephemeral: the
// caller turns it into a RoutingEntry by opening a turn.
type Decision struct {
	Agents []string `json:"agents"`
	Phase  string   `json:"phase,omitempty"`
	Reason string   `json:"reason"`
}

// Terminal reports whether the decision ends the workflow.
func (d Decision) Terminal() bool {
	return len(d.Agents) == 1 && d.Agents[0] == conversation.EndTarget
}

// Completer is what the engine needs from the completion service.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message, jsonMode bool) (string, error)
}

const decisionInstructions = `You are the routing orchestrator for a team of specialist agents working through a phase-gated workflow.
Given the turn history and the user request, decide which agent(s) should act next.
Respond with a single JSON object: {"agents": ["name", ...], "phase": "PHASE", "reason": "why"}.
Omit "phase" to stay in the current phase. Dispatch to multiple agents only when their work is independent.
When the user request is fully satisfied, respond with {"agents": ["END"], "reason": "why"}.`

// Engine computes routing decisions from conversation state.
type Engine struct {
	completer Completer
	agents    *conversation.Registry
	phases    *phase.Registry
	logger    *slog.Logger
}

// NewEngine creates a routing engine.
func NewEngine(completer Completer, agents *conversation.Registry, phases *phase.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		completer: completer,
		agents:    agents,
		phases:    phases,
		logger:    logger.With("component", "routing"),
	}
}

// Decide renders the conversation into a decision prompt, calls the
// completion service in structured-JSON mode, and validates the parsed
// decision against the known agent set. It applies nothing.
func (e *Engine) Decide(ctx context.Context, conv *conversation.Conversation) (Decision, error) {
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: e.systemPrompt(conv)}}, Transcript(conv)...)

	raw, err := e.completer.Complete(ctx, msgs, true)
	if err != nil {
		return Decision{}, fmt.Errorf("routing completion: %w", err)
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		return Decision{}, err
	}
	if err := e.validate(decision); err != nil {
		return Decision{}, err
	}

	e.logger.Info("routing decision",
		"conversation_id", conv.ID,
		"agents", decision.Agents,
		"phase", decision.Phase,
		"reason", decision.Reason)
	return decision, nil
}

// Diagnose answers a free-text question about the conversation, for
// operator tooling. Uses the free-text completion mode.
func (e *Engine) Diagnose(ctx context.Context, conv *conversation.Conversation, question string) (string, error) {
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: e.systemPrompt(conv)}}, Transcript(conv)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: question})
	return e.completer.Complete(ctx, msgs, false)
}

// systemPrompt combines the fixed routing instructions with the current
// phase, its instructions, and the roster of available agents.
func (e *Engine) systemPrompt(conv *conversation.Conversation) string {
	var sb strings.Builder
	sb.WriteString(decisionInstructions)

	fmt.Fprintf(&sb, "\n\nCurrent phase: %s", conv.Phase)
	if instructions := e.phases.Instructions(conv.Phase); instructions != "" {
		fmt.Fprintf(&sb, "\nPhase instructions: %s", instructions)
	}
	if targets := e.phases.Targets(conv.Phase); len(targets) > 0 {
		sort.Strings(targets)
		fmt.Fprintf(&sb, "\nReachable phases: %s", strings.Join(targets, ", "))
	}

	sb.WriteString("\n\nAvailable agents:")
	for _, agent := range e.agents.Specialists() {
		fmt.Fprintf(&sb, "\n- %s", agent.Name)
		if len(agent.Capabilities) > 0 {
			caps := make([]string, 0, len(agent.Capabilities))
			for c := range agent.Capabilities {
				caps = append(caps, c)
			}
			sort.Strings(caps)
			fmt.Fprintf(&sb, " (capabilities: %s)", strings.Join(caps, ", "))
		}
	}
	return sb.String()
}

// ParseDecision parses the completion response into a Decision. Responses
// wrapped in markdown code fences are unwrapped first.
func ParseDecision(raw string) (Decision, error) {
	cleaned := stripFences(strings.TrimSpace(raw))

	var d Decision
	if err := json.Unmarshal([]byte(cleaned), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBadDecision, err)
	}
	if len(d.Agents) == 0 {
		return Decision{}, fmt.Errorf("%w: empty agent set", ErrBadDecision)
	}
	for _, a := range d.Agents {
		if a == conversation.EndTarget && len(d.Agents) > 1 {
			return Decision{}, fmt.Errorf("%w: END cannot be combined with other agents", ErrBadDecision)
		}
	}
	return d, nil
}

// validate rejects decisions naming agents outside the known set, before
// any dispatch occurs.
func (e *Engine) validate(d Decision) error {
	if d.Terminal() {
		return nil
	}
	for _, name := range d.Agents {
		if !e.agents.Known(name) {
			return fmt.Errorf("%w: %s", conversation.ErrUnknownAgent, name)
		}
	}
	return nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
