// Package store provides persistence for conversations.
//
// Each conversation is stored as a single row whose document column holds
// the full serialized state. The orchestration core reloads conversations
// from these rows after a restart, so everything a routing decision depends
// on (phase, history, turn log) must round-trip through the document.
package store
