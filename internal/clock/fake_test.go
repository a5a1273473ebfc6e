package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_FiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "never") })

	c.Advance(5 * time.Second)

	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop should report the timer was already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFake_TimerScheduledFromCallbackFiresInSameAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	var reschedule func()
	reschedule = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, reschedule)
		}
	}
	c.AfterFunc(time.Second, reschedule)

	c.Advance(10 * time.Second)

	assert.Equal(t, 3, count)
}
