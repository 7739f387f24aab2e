// ABOUTME: Phase definitions and the directed transition graph for conversations.
// ABOUTME: Custom phases register with instructions text since agents know nothing else about them.

package phase

import (
	"errors"
	"fmt"
	"sync"
)

// Standard workflow phases. Every conversation starts in Chat.
const (
	Chat   = "CHAT"
	Plan   = "PLAN"
	Build  = "BUILD"
	Review = "REVIEW"
	Done   = "DONE"
)

// ErrUnknownPhase is returned when a phase has never been registered.
var ErrUnknownPhase = errors.New("unknown phase")

// ErrInvalidTransition is returned when the transition graph has no edge
// between the current and target phases.
var ErrInvalidTransition = errors.New("invalid phase transition")

// standardGraph is the fixed transition graph for the built-in phases.
var standardGraph = map[string][]string{
	Chat:   {Plan, Build, Done},
	Plan:   {Chat, Build},
	Build:  {Chat, Plan, Review},
	Review: {Build, Chat, Done},
	Done:   {Chat},
}

// Registry holds the transition graph plus any custom phases registered at
// runtime. Custom phases carry instructions text that is surfaced to agents
// executing in that phase.
type Registry struct {
	mu           sync.RWMutex
	edges        map[string]map[string]bool
	instructions map[string]string
}

// NewRegistry creates a registry seeded with the standard phase graph.
func NewRegistry() *Registry {
	r := &Registry{
		edges:        make(map[string]map[string]bool),
		instructions: make(map[string]string),
	}
	for from, tos := range standardGraph {
		r.edges[from] = make(map[string]bool)
		for _, to := range tos {
			r.edges[from][to] = true
		}
	}
	return r
}

// Standard reports whether name is one of the built-in phases.
func Standard(name string) bool {
	_, ok := standardGraph[name]
	return ok
}

// RegisterCustom adds a custom phase with the given instructions. Instructions
// are required: agents have no inherent knowledge of what a custom phase
// means. By default the phase is reachable from every known phase and may
// transition back to every known phase.
func (r *Registry) RegisterCustom(name, instructions string) error {
	if name == "" {
		return fmt.Errorf("custom phase name is required")
	}
	if instructions == "" {
		return fmt.Errorf("custom phase %q requires instructions", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.edges[name]; exists {
		return fmt.Errorf("phase %q already registered", name)
	}

	r.edges[name] = make(map[string]bool)
	for existing := range r.edges {
		if existing == name {
			continue
		}
		r.edges[existing][name] = true
		r.edges[name][existing] = true
	}
	r.instructions[name] = instructions
	return nil
}

// SetInstructions attaches (or replaces) instructions for a standard phase.
func (r *Registry) SetInstructions(name, instructions string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.edges[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, name)
	}
	r.instructions[name] = instructions
	return nil
}

// Known reports whether the phase exists in the registry.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.edges[name]
	return ok
}

// Instructions returns the instructions text for a phase, or "" if none.
func (r *Registry) Instructions(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instructions[name]
}

// Validate checks that the graph has an edge from → to. It returns
// ErrUnknownPhase if either endpoint is unregistered and
// ErrInvalidTransition if the edge is missing.
func (r *Registry) Validate(from, to string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tos, ok := r.edges[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, from)
	}
	if _, ok := r.edges[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, to)
	}
	if !tos[to] {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Targets returns the phases reachable from the given phase, for diagnostics.
func (r *Registry) Targets(from string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tos := r.edges[from]
	out := make([]string, 0, len(tos))
	for to := range tos {
		out = append(out, to)
	}
	return out
}
