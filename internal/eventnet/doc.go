// Package eventnet connects the orchestration core to the signed-event
// publish/subscribe network.
//
// The network is a set of redundant Nostr relays: every event is signed by
// its author's key, timestamped, and tagged. Subscriptions filter by author
// set, kind, tag values, and result limit. Delivery is at least once — the
// same event routinely arrives from more than one relay — so consumers must
// deduplicate by event id (see the ingest package).
//
// Two Client implementations exist: Pool (real relays) and Bus (in-memory,
// for tests and single-process runs).
package eventnet
