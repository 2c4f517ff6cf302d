package logtail

import "time"

const (
	DefaultSettle      = 250 * time.Millisecond
	DefaultMinInterval = time.Second
)

// Debouncer is the flush scheduling state of one log session. It is either
// idle or holding a pending flush with a deadline. It is not safe for
// concurrent use.
type Debouncer struct {
	settle      time.Duration
	minInterval time.Duration

	pending  bool
	deadline time.Time
	lastSent time.Time
}

func NewDebouncer(settle, minInterval time.Duration) *Debouncer {
	if settle < 0 {
		settle = 0
	}
	if minInterval < 0 {
		minInterval = 0
	}
	return &Debouncer{settle: settle, minInterval: minInterval}
}

// Trigger records a change observed at now. When idle it schedules a flush
// at max(now+settle, lastSent+minInterval) and returns that deadline with
// true. While a flush is pending the change is absorbed and false is
// returned.
func (d *Debouncer) Trigger(now time.Time) (time.Time, bool) {
	if d.pending {
		return d.deadline, false
	}
	deadline := now.Add(d.settle)
	if !d.lastSent.IsZero() {
		if earliest := d.lastSent.Add(d.minInterval); earliest.After(deadline) {
			deadline = earliest
		}
	}
	d.pending = true
	d.deadline = deadline
	return deadline, true
}

// Fire moves a pending flush back to idle and counts now as the start of a
// delivery, so changes seen while that payload is being read and written
// are scheduled no earlier than now+minInterval. It reports whether a flush
// was pending.
func (d *Debouncer) Fire(now time.Time) bool {
	if !d.pending {
		return false
	}
	d.pending = false
	d.deadline = time.Time{}
	d.Sent(now)
	return true
}

// Sent records a delivery at the given time. Earlier times are ignored.
func (d *Debouncer) Sent(at time.Time) {
	if at.After(d.lastSent) {
		d.lastSent = at
	}
}

func (d *Debouncer) Pending() bool { return d.pending }

func (d *Debouncer) Deadline() time.Time { return d.deadline }
