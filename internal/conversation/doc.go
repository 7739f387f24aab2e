// Package conversation owns all orchestration state for a workflow.
//
// # Overview
//
// A Conversation tracks the phase, the append-only message history, the
// per-agent state map, the phase-transition audit log, and the turn log.
// The Service is the only component allowed to mutate a conversation; the
// delegation and routing layers call into it rather than touching state
// directly, which is what keeps phase transitions and turn open/close
// strictly serialized per conversation.
//
// # Turns
//
// A RoutingEntry (turn) is opened when a routing decision is applied,
// mutated only by completion arrivals, and finalized on full coverage,
// forced closure, or a phase change. At most one turn is ever open per
// conversation; a second OpenTurn while one is in flight returns
// ErrTurnOpen.
//
// # Persistence
//
// Every successful mutation serializes the whole conversation into its
// store document, so a process restart reloads identical phase, history,
// turn log, and completion contents.
package conversation
