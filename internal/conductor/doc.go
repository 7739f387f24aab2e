// Package conductor runs the orchestration loop: ask the routing engine for
// a decision, apply any phase change, delegate the turn, and repeat until the
// engine decides END.
//
// The loop re-reads persisted conversation state every cycle, so a conductor
// restarted mid-run resumes from the last closed turn instead of replaying
// work. Failures are stamped onto the conversation's metadata before the run
// stops.
package conductor
