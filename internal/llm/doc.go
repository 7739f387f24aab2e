// Package llm wraps the external completion service behind a small
// transcript-in, content-out client.
package llm
