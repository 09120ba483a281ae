// Package broker implements the rompd server: a TCP (and optional
// WebSocket) listener, one session worker per connection, and a single
// dispatcher goroutine that owns all routing state.
//
// Sessions decode frames with the stomp package, forward each request to
// the dispatcher over a shared inbox channel, and block for exactly one
// response before reading the next request. Because only the dispatcher
// goroutine touches the subscription and transaction tables, the routing
// path needs no locks; because a session never pipelines into the
// dispatcher, responses stay ordered per connection and the shared inbox
// stays fair across connections.
package broker
