// ABOUTME: Agent identity model and registry for agents known to the orchestrator.
// ABOUTME: Agents are tagged Orchestrator or Specialist with explicit capability sets.

package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAgent indicates the named agent is not in the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentKind distinguishes the orchestrator from specialist agents.
type AgentKind int

const (
	KindOrchestrator AgentKind = iota
	KindSpecialist
)

func (k AgentKind) String() string {
	switch k {
	case KindOrchestrator:
		return "orchestrator"
	case KindSpecialist:
		return "specialist"
	default:
		return "unknown"
	}
}

// Agent describes one participant on the event network. PublicKey is the
// agent's signing identity; Capabilities is the explicit set of named
// capabilities a specialist offers (empty for the orchestrator).
type Agent struct {
	Name         string
	Kind         AgentKind
	PublicKey    string
	Capabilities map[string]bool
}

// HasCapability reports whether the agent offers the named capability.
func (a Agent) HasCapability(name string) bool {
	return a.Capabilities[name]
}

// NewOrchestrator creates the orchestrator agent identity.
func NewOrchestrator(name, publicKey string) Agent {
	return Agent{Name: name, Kind: KindOrchestrator, PublicKey: publicKey}
}

// NewSpecialist creates a specialist agent with the given capability set.
func NewSpecialist(name, publicKey string, capabilities ...string) Agent {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return Agent{Name: name, Kind: KindSpecialist, PublicKey: publicKey, Capabilities: caps}
}

// Registry holds the set of agents the orchestrator may route to.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	byKey  map[string]string // pubkey → name
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		byKey:  make(map[string]string),
	}
}

// Register adds an agent. Registering a duplicate name is an error.
func (r *Registry) Register(agent Agent) error {
	if agent.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if agent.Name == EndTarget {
		return fmt.Errorf("agent name %q is reserved", EndTarget)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.Name]; exists {
		return fmt.Errorf("agent %q already registered", agent.Name)
	}
	r.agents[agent.Name] = agent
	if agent.PublicKey != "" {
		r.byKey[agent.PublicKey] = agent.Name
	}
	return nil
}

// Get returns the agent with the given name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return agent, nil
}

// ByPublicKey resolves an agent from its signing key.
func (r *Registry) ByPublicKey(pubkey string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byKey[pubkey]
	if !ok {
		return Agent{}, false
	}
	return r.agents[name], true
}

// Known reports whether the named agent is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specialists returns all specialist agents, sorted by name.
func (r *Registry) Specialists() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, a := range r.agents {
		if a.Kind == KindSpecialist {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
