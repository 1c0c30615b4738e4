// Package ratecounter implements the rolling-rate estimator spec.md §9
// calls for: "Upload/download rate getters in the choker path currently
// return 0 in the source; a correct implementation must report the PC's
// rolling rate (e.g., 20-second EWMA)".
//
// The teacher never computes a rate at all (connInfo.rate() is a TODO
// stub); this is new code, but its shape — a byte counter fed on every
// successful block transfer, decayed on each Tick — follows the same
// "counter updated by the event path, read by the periodic path" split
// the teacher uses throughout torrent/conn_stats.go. Values are kept in
// go.uber.org/atomic so Add (called from message handling inside the DM's
// DispatchFromBuffer), Tick (called from the PC's Periodic, which the DM
// runs outside its exclusivity boundary) and Rate (read by choker.Round)
// never need their own mutex.
package ratecounter

import (
	"math"
	"time"

	"go.uber.org/atomic"
)

// Window is the EWMA averaging window spec.md §9 suggests.
const Window = 20 * time.Second

// Counter is a byte-rate estimator: Add records bytes transferred right
// now, Tick folds the last interval's bytes into a decaying average, and
// Rate reports bytes/second.
type Counter struct {
	pending  atomic.Int64
	rate     atomic.Float64
	lastTick atomic.Int64 // unix nanos
}

// New returns a Counter with zero rate.
func New() *Counter {
	c := &Counter{}
	c.lastTick.Store(time.Now().UnixNano())
	return c
}

// Add records n bytes transferred since the last Tick.
func (c *Counter) Add(n int) {
	c.pending.Add(int64(n))
}

// Tick folds bytes accumulated since the previous Tick into the EWMA,
// using the actual elapsed wall time rather than assuming a fixed tick
// period, so an irregular caller (periodic() isn't guaranteed exactly
// 1Hz) doesn't bias the estimate.
func (c *Counter) Tick(now time.Time) {
	last := c.lastTick.Swap(now.UnixNano())
	elapsed := now.Sub(time.Unix(0, last))
	if elapsed <= 0 {
		return
	}
	bytes := c.pending.Swap(0)
	instant := float64(bytes) / elapsed.Seconds()

	alpha := 1 - decayFactor(elapsed)
	for {
		old := c.rate.Load()
		newRate := old + alpha*(instant-old)
		if c.rate.CAS(old, newRate) {
			return
		}
	}
}

// decayFactor returns e^(-elapsed/Window), the EWMA smoothing constant
// for the elapsed interval.
func decayFactor(elapsed time.Duration) float64 {
	return math.Exp(-elapsed.Seconds() / Window.Seconds())
}

// Rate returns the current smoothed bytes/second estimate.
func (c *Counter) Rate() float64 {
	return c.rate.Load()
}
