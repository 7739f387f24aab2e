// Package ingest provides exactly-once event ingestion over an
// at-least-once transport.
//
// Duplicate delivery is an expected property of the event network,
// especially with multiple redundant relays. The Consumer drops any event
// whose id is already in the Ledger before a handler runs, and newly
// accepted ids are appended to the ledger and flushed to disk, so the
// exactly-once guarantee holds across process restarts.
package ingest
