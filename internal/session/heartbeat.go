// ABOUTME: HeartbeatMonitor detects silent connection death with periodic pings.
// ABOUTME: It only pings and reports expiry; it never touches the outbound queue.

package session

import "time"

// HeartbeatMonitor counts unanswered pings. Each tick either sends a ping
// or, once maxMissed pings are outstanding, reports expiry and stops.
// It is driven from the Manager's loop and is not safe for concurrent use.
type HeartbeatMonitor struct {
	interval  time.Duration
	maxMissed int

	// schedule arms fn to run after d and returns a cancel func.
	schedule func(d time.Duration, fn func()) (cancel func())
	ping     func()
	expire   func(missed int)

	missed  int
	running bool
	cancel  func()
}

// NewHeartbeatMonitor creates a stopped monitor.
func NewHeartbeatMonitor(interval time.Duration, maxMissed int,
	schedule func(time.Duration, func()) func(), ping func(), expire func(missed int)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		interval:  interval,
		maxMissed: max(maxMissed, 1),
		schedule:  schedule,
		ping:      ping,
		expire:    expire,
	}
}

// Start resets the missed count and arms the first tick.
func (h *HeartbeatMonitor) Start() {
	h.Stop()
	h.missed = 0
	h.running = true
	h.arm()
}

// Stop cancels the pending tick.
func (h *HeartbeatMonitor) Stop() {
	h.running = false
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// Running reports whether ticks are armed.
func (h *HeartbeatMonitor) Running() bool {
	return h.running
}

// Missed returns the number of pings sent since the last pong.
func (h *HeartbeatMonitor) Missed() int {
	return h.missed
}

// Pong clears the missed count.
func (h *HeartbeatMonitor) Pong() {
	h.missed = 0
}

// Tick runs one heartbeat cycle. Expiry is detected on the tick after the
// maxMissed-th unanswered ping, so a dead link is reported about
// (maxMissed+1)*interval after the last pong.
func (h *HeartbeatMonitor) Tick() {
	if !h.running {
		return
	}
	h.cancel = nil

	if h.missed >= h.maxMissed {
		h.running = false
		h.expire(h.missed)
		return
	}

	h.missed++
	h.ping()
	h.arm()
}

func (h *HeartbeatMonitor) arm() {
	h.cancel = h.schedule(h.interval, h.Tick)
}
