// Package eventtimer schedules callbacks at relative second offsets for the
// download manager. It replaces the teacher's ad-hoc per-feature
// time.Timer/time.Ticker fields (Torrent.trackerAnnouncerTimer,
// choker.ticker) with a single structure the DM steps once per periodic()
// call, per spec.md §9's open question: "a correct implementation must
// drive eventtimer_step(now) so choker/reciprocation timers fire."
package eventtimer

import "time"

// EventID identifies a scheduled event so it can be cancelled.
type EventID uint64

type event struct {
	id       EventID
	interval time.Duration
	next     time.Time
	repeat   bool
	fn       func()
	active   bool
}

// Timer holds a set of scheduled events and fires the due ones when Step is
// called. It is not safe for concurrent use; the DM only calls Step, Every
// and After from within its own exclusivity boundary.
type Timer struct {
	events map[EventID]*event
	nextID EventID
	now    func() time.Time
}

// New returns an empty Timer. nowFn defaults to time.Now when nil, and
// exists so tests can drive the clock deterministically, matching the
// teacher's style of injecting a clock-like dependency (Torrent.mainLoop
// drives its own timers off real tickers, but the unit tests for choker
// logic construct rounds directly rather than waiting on wall time).
func New(nowFn func() time.Time) *Timer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Timer{events: make(map[EventID]*event), now: nowFn}
}

// Every schedules fn to run every interval, starting one interval from now.
// Returns an id that can be passed to Cancel.
func (t *Timer) Every(interval time.Duration, fn func()) EventID {
	t.nextID++
	id := t.nextID
	t.events[id] = &event{
		id:       id,
		interval: interval,
		next:     t.now().Add(interval),
		repeat:   true,
		fn:       fn,
		active:   true,
	}
	return id
}

// After schedules fn to run once, after interval elapses.
func (t *Timer) After(interval time.Duration, fn func()) EventID {
	t.nextID++
	id := t.nextID
	t.events[id] = &event{
		id:     id,
		next:   t.now().Add(interval),
		repeat: false,
		fn:     fn,
		active: true,
	}
	return id
}

// Cancel disarms a scheduled event. Safe to call on an id that already
// fired or was never returned by this Timer.
func (t *Timer) Cancel(id EventID) {
	delete(t.events, id)
}

// Stop disarms every scheduled event, per spec.md §9's ordered-teardown
// requirement that Release stop the event-timer. Step is a no-op after
// Stop until new events are scheduled.
func (t *Timer) Stop() {
	t.events = make(map[EventID]*event)
}

// Step fires every event whose deadline has passed, rescheduling repeating
// ones one interval after their previous deadline, or one interval after
// now if that is already past, so a late Step fires each event once
// rather than catching up in a burst. The DM calls Step on every
// periodic() tick, after draining its job queue, per spec.md §9.
func (t *Timer) Step(now time.Time) {
	for id, ev := range t.events {
		if !ev.active || now.Before(ev.next) {
			continue
		}
		ev.fn()
		if ev.repeat {
			ev.next = ev.next.Add(ev.interval)
			if ev.next.Before(now) {
				ev.next = now.Add(ev.interval)
			}
		} else {
			delete(t.events, id)
		}
	}
}
