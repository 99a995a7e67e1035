// Package relay bridges the embedded chat context and the privileged host
// process that owns the real socket.
//
// # Overview
//
// The embedded context never holds a socket. Every operation is a Request
// posted across the boundary, and every answer comes back later as an
// independent Event. A Channel turns that into a single-shot call:
//
//	ch := link.Open(connectionID)
//	data, err := ch.Call(ctx, relay.ActionConnect, payload, 10*time.Second)
//
// # Request/Response Correlation
//
// For each call the channel:
//
//  1. Generates a correlation id (UUID)
//  2. Registers the pending request in its map
//  3. Posts the request to the boundary
//  4. Waits for the correlated event, the timeout, or ctx
//  5. Removes the entry from the map on settlement
//
// Registration happens before the post so a fast host can never answer a
// request nobody is listening for. Removal from the map is the settle step,
// so a request is resolved or rejected exactly once.
//
// Events without a correlation id are pushes (inbound messages, transport
// drops) and go to the channel's push handler in arrival order.
//
// # Wire Format
//
// Link carries one JSON object per line:
//
//	-> {"action":"send","connectionId":"conn-…","correlationId":"…","payload":{…}}
//	<- {"connectionId":"conn-…","correlationId":"…","event":"ack"}
//	<- {"connectionId":"conn-…","event":"message","data":{"type":"agent_response",…}}
//
// When the link's reader hits EOF the host is gone: the link becomes invalid,
// pending calls fail with ErrBoundaryInvalid, and every channel receives a
// synthetic disconnect push.
package relay
