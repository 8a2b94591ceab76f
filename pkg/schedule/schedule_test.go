package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core/coretest"
)

func TestEvery(t *testing.T) {
	s := Every(5 * time.Minute)
	now := time.Now()
	next := s.Next(now)

	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestEvery_MultipleNext(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)
	next3 := s.Next(next2)

	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next2)
	assert.Equal(t, time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC), next3)
}

func TestCron(t *testing.T) {
	s, err := Cron("*/15 * * * *")
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 8, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC), s.Next(from))
}

func TestCron_MultipleFields(t *testing.T) {
	s, err := Cron("30 14 * * 1-5") // 2:30 PM on weekdays
	require.NoError(t, err)
	from := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC) // Saturday

	next := s.Next(from)
	assert.Equal(t, time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC), next)
}

func TestCron_Descriptors(t *testing.T) {
	s, err := Cron("@every 10m")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(10*time.Minute), s.Next(from))

	s, err = Cron("@hourly")
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), s.Next(from))
}

func TestCron_InvalidExpression(t *testing.T) {
	_, err := Cron("invalid cron")
	assert.ErrorContains(t, err, "invalid cron expression")

	_, err = Cron("0 0 0 * * *")
	assert.Error(t, err, "seconds field is not accepted")
}

func TestRun_FiresOnSchedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := coretest.NewFakeClock(start)
	ctx, cancel := context.WithCancel(context.Background())

	var fired []time.Time
	err := Run(ctx, clock, Every(time.Minute), func(context.Context) {
		fired = append(fired, clock.Now())
		if len(fired) == 3 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Time{
		start.Add(time.Minute),
		start.Add(2 * time.Minute),
		start.Add(3 * time.Minute),
	}, fired)
}

type neverSchedule struct{}

func (neverSchedule) Next(time.Time) time.Time { return time.Time{} }

func TestRun_ExhaustedSchedule(t *testing.T) {
	clock := coretest.NewFakeClock(time.Now())
	err := Run(context.Background(), clock, neverSchedule{}, func(context.Context) {
		t.Fatal("must not run")
	})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
