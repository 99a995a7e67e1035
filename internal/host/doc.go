// Package host runs the privileged side of the relay.
//
// A Host reads newline-delimited relay requests, keeps one agent websocket
// per connection id, and writes the matching events back. Replies carry the
// request's correlation id; socket traffic and unexpected closes travel as
// uncorrelated pushes. Sockets the host closes itself, on disconnect or when
// a connect replaces an existing socket, never produce a disconnect push.
package host
