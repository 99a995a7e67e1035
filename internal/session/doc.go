// Package session keeps a logical chat connection alive across an
// unreliable relay.
//
// A Manager owns one Session and moves it through the connection states:
//
//	disconnected -> connecting -> connected
//	                    ^             |
//	                    |             v
//	                reconnecting <----+ (drop, heartbeat expiry, failed attempt)
//	                    |
//	                    v
//	                  error (max retries, boundary gone)
//
// Every state change happens on the manager's loop goroutine. Timers and
// relay results capture the generation current when they were scheduled and
// are discarded if a newer attempt, a forced reconnect, or a manual
// disconnect has advanced it since.
//
// Outbound messages wait in a FIFO Queue while the manager is not
// connected. On connect the queue drains one message at a time; a failed
// send goes back to the head so later messages never overtake it.
package session
