package rollover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	runs chan struct{}
}

func (r *countingRunner) RunNow(context.Context) (Result, error) {
	r.runs <- struct{}{}
	return Result{}, nil
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(&countingRunner{}, 24, 0, "UTC", nil)
	assert.Error(t, err)
	_, err = NewScheduler(&countingRunner{}, 0, 60, "UTC", nil)
	assert.Error(t, err)
	_, err = NewScheduler(&countingRunner{}, 0, 0, "Not/AZone", nil)
	assert.Error(t, err)
}

func TestScheduler_Next(t *testing.T) {
	s, err := NewScheduler(&countingRunner{}, 0, 5, "America/Chicago", nil)
	require.NoError(t, err)
	loc := s.location

	testCases := []struct {
		name     string
		from     time.Time
		expected time.Time
	}{
		{
			name:     "later the same day",
			from:     time.Date(2024, 6, 1, 0, 1, 0, 0, loc),
			expected: time.Date(2024, 6, 1, 0, 5, 0, 0, loc),
		},
		{
			name:     "already passed today",
			from:     time.Date(2024, 6, 1, 13, 0, 0, 0, loc),
			expected: time.Date(2024, 6, 2, 0, 5, 0, 0, loc),
		},
		{
			name:     "exactly at the trigger",
			from:     time.Date(2024, 6, 1, 0, 5, 0, 0, loc),
			expected: time.Date(2024, 6, 2, 0, 5, 0, 0, loc),
		},
		{
			name:     "from another zone",
			from:     time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC), // 23:00 in Chicago on May 31
			expected: time.Date(2024, 6, 1, 0, 5, 0, 0, loc),
		},
		{
			name:     "across DST start",
			from:     time.Date(2024, 3, 9, 12, 0, 0, 0, loc),
			expected: time.Date(2024, 3, 10, 0, 5, 0, 0, loc),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.expected.Equal(s.Next(tc.from)), "got %s", s.Next(tc.from))
		})
	}
}

func TestScheduler_RunFiresRunner(t *testing.T) {
	runner := &countingRunner{runs: make(chan struct{}, 4)}
	s, err := NewScheduler(runner, 0, 0, "UTC", nil)
	require.NoError(t, err)

	fire := make(chan time.Time)
	s.after = func(time.Duration) <-chan time.Time { return fire }

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	fire <- time.Now()
	fire <- time.Now()
	require.Eventually(t, func() bool { return len(runner.runs) == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
