// Package dedupe recognizes frames the agent replays after a reconnect.
//
// A Window remembers message ids for a fixed time span. Ids are kept in
// the order they were last seen, so expired ids always sit at the front
// and are swept without scanning the whole window.
package dedupe
