package quicmux

import "time"

// AlarmScheduler is the timer facility the engine runs on. Schedule arms (or
// re-arms) the alarm for token at an absolute time, Cancel disarms it. When an
// alarm fires, the scheduler calls OnAlarm(token) on the Dispatcher or Client
// that owns it, at or after the deadline. Cancel must be idempotent.
type AlarmScheduler interface {
	Schedule(token uint64, deadline time.Time)
	Cancel(token uint64)
}

// alarm is one armed or disarmed timer. Its callback runs on the caller's
// thread when the owner receives a fire for its token.
type alarm struct {
	token    uint64
	deadline time.Time
	armed    bool

	registry *alarmRegistry
	onFire   func(now time.Time)
}

// Set arms the alarm for deadline. A zero deadline cancels it.
func (a *alarm) Set(deadline time.Time) {
	if deadline.IsZero() {
		a.Cancel()
		return
	}
	if a.armed && a.deadline.Equal(deadline) {
		return
	}
	a.deadline = deadline
	a.armed = true
	a.registry.scheduler.Schedule(a.token, deadline)
}

// Cancel disarms the alarm. It is safe to call on a disarmed alarm.
func (a *alarm) Cancel() {
	if !a.armed {
		return
	}
	a.armed = false
	a.deadline = time.Time{}
	a.registry.scheduler.Cancel(a.token)
}

// Deadline returns the deadline of an armed alarm, or the zero time.
func (a *alarm) Deadline() time.Time { return a.deadline }

// release cancels the alarm and forgets its token.
func (a *alarm) release() {
	a.Cancel()
	delete(a.registry.alarms, a.token)
}

// alarmRegistry hands out tokens and routes fires back to their alarm.
type alarmRegistry struct {
	scheduler AlarmScheduler
	clock     Clock
	nextToken uint64
	alarms    map[uint64]*alarm
}

func newAlarmRegistry(scheduler AlarmScheduler, clock Clock) *alarmRegistry {
	return &alarmRegistry{
		scheduler: scheduler,
		clock:     clock,
		nextToken: 1,
		alarms:    make(map[uint64]*alarm),
	}
}

func (r *alarmRegistry) newAlarm(onFire func(now time.Time)) *alarm {
	a := &alarm{
		token:    r.nextToken,
		registry: r,
		onFire:   onFire,
	}
	r.nextToken++
	r.alarms[a.token] = a
	return a
}

// fire runs the callback for token. Fires for unknown or disarmed alarms are
// stale and ignored; a fire before the deadline re-arms the alarm.
func (r *alarmRegistry) fire(token uint64) bool {
	a, ok := r.alarms[token]
	if !ok || !a.armed {
		return false
	}
	now := r.clock.Now()
	if now.Before(a.deadline) {
		r.scheduler.Schedule(a.token, a.deadline)
		return false
	}
	a.armed = false
	a.deadline = time.Time{}
	a.onFire(now)
	return true
}

func (r *alarmRegistry) len() int { return len(r.alarms) }
