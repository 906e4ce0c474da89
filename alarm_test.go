package quicmux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestAlarmSetAndFire(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	sched := NewMockAlarmScheduler(mockCtrl)
	clock := newManualClock()
	r := newAlarmRegistry(sched, clock)

	var fired []time.Time
	a := r.newAlarm(func(now time.Time) { fired = append(fired, now) })
	deadline := clock.Now().Add(time.Second)
	sched.EXPECT().Schedule(a.token, deadline)
	a.Set(deadline)
	// setting the same deadline again doesn't reschedule
	a.Set(deadline)
	require.Equal(t, deadline, a.Deadline())

	clock.Advance(time.Second)
	require.True(t, r.fire(a.token))
	require.Equal(t, []time.Time{deadline}, fired)
	require.True(t, a.Deadline().IsZero())

	// a second fire for the same token is stale
	require.False(t, r.fire(a.token))
	require.Len(t, fired, 1)
}

func TestAlarmEarlyFireRearms(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	sched := NewMockAlarmScheduler(mockCtrl)
	clock := newManualClock()
	r := newAlarmRegistry(sched, clock)

	var fired int
	a := r.newAlarm(func(time.Time) { fired++ })
	deadline := clock.Now().Add(time.Second)
	sched.EXPECT().Schedule(a.token, deadline).Times(2)
	a.Set(deadline)
	clock.Advance(500 * time.Millisecond)
	require.False(t, r.fire(a.token))
	require.Zero(t, fired)
}

func TestAlarmCancel(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	sched := NewMockAlarmScheduler(mockCtrl)
	clock := newManualClock()
	r := newAlarmRegistry(sched, clock)

	a := r.newAlarm(func(time.Time) { t.Fatal("cancelled alarm fired") })
	b := r.newAlarm(func(time.Time) {})
	require.NotEqual(t, a.token, b.token)
	gomock.InOrder(
		sched.EXPECT().Schedule(a.token, gomock.Any()),
		sched.EXPECT().Cancel(a.token),
	)
	a.Set(clock.Now().Add(time.Second))
	a.Cancel()
	a.Cancel()
	// a zero deadline cancels a disarmed alarm without calling the scheduler
	a.Set(time.Time{})
	clock.Advance(time.Hour)
	require.False(t, r.fire(a.token))

	require.Equal(t, 2, r.len())
	a.release()
	require.Equal(t, 1, r.len())
	require.False(t, r.fire(12345))
}
