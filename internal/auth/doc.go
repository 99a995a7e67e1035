// Package auth signs and checks the bearer tokens the relay host presents
// when it dials the agent.
//
// Tokens are HS256 JWTs minted per dial from a shared secret. Claims:
//
//   - sub: session id
//   - cid: relay connection id
//   - aud: "coven-agent"
//   - iat, exp: issue time and expiry
//
// An empty secret disables signing; the host then dials without an
// Authorization header and the agent accepts anonymous sockets.
package auth
