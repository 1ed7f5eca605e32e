package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOrdering(t *testing.T) {
	s := New(1)
	var order []string

	s.Schedule(2*time.Second, func() { order = append(order, "c") })
	s.Schedule(1*time.Second, func() { order = append(order, "a") })
	s.Schedule(1*time.Second, func() { order = append(order, "b") })

	s.Run()

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 2*time.Second, s.Now())
}

func TestCancelledEventNeverRuns(t *testing.T) {
	s := New(1)
	ran := false

	id := s.Schedule(time.Second, func() { ran = true })
	require.True(t, id.Pending())

	id.Cancel()
	assert.False(t, id.Pending())

	s.Run()
	assert.False(t, ran)
}

func TestCancelFromCallback(t *testing.T) {
	s := New(1)
	ran := false

	later := s.Schedule(2*time.Second, func() { ran = true })
	s.Schedule(time.Second, func() { later.Cancel() })

	s.Run()
	assert.False(t, ran)
}

func TestRunUntil(t *testing.T) {
	s := New(1)
	count := 0

	var tick func()
	tick = func() {
		count++
		s.Schedule(time.Second, tick)
	}
	s.Schedule(0, tick)

	s.RunUntil(5 * time.Second)

	assert.Equal(t, 6, count)
	assert.Equal(t, 5*time.Second, s.Now())
}

func TestStop(t *testing.T) {
	s := New(1)
	count := 0

	for i := 0; i < 5; i++ {
		s.Schedule(time.Duration(i)*time.Second, func() {
			count++
			if count == 2 {
				s.Stop()
			}
		})
	}

	s.Run()
	assert.Equal(t, 2, count)
}

func TestNegativeDelay(t *testing.T) {
	s := New(1)
	s.RunUntil(time.Second)

	var at time.Duration
	s.Schedule(-time.Second, func() { at = s.Now() })
	s.Run()

	assert.Equal(t, time.Second, at)
}

func TestRandIsDeterministic(t *testing.T) {
	a := New(42)
	b := New(42)

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Rand().Float64(), b.Rand().Float64())
	}
}
