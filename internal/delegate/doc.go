// Package delegate turns the asynchronous request/reply flow of the event
// network into a synchronous call: publish one tagged request per recipient,
// suspend until every recipient has replied, return the ordered replies.
//
// There is deliberately no implicit timeout. A caller needing a bound wraps
// the Delegate call in a context; cancellation force-closes the turn so it
// never sits open indefinitely, and late replies are logged as orphaned.
package delegate
