// Package routing renders conversation state into a decision prompt and
// parses the completion service's answer into a validated routing decision.
//
// The engine is deliberately inert: Decide returns a Decision and never
// opens turns, transitions phases, or dispatches work. The conductor owns
// applying decisions, which keeps the decide/apply boundary testable with
// a scripted completer.
package routing
