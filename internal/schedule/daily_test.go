package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock advances by the requested duration whenever a timer is asked for.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseAt(t *testing.T) {
	h, m, err := ParseAt("08:30")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "8am", "25:00", "08:61"} {
		_, _, err := ParseAt(bad)
		assert.Error(t, err, bad)
	}
}

func TestNew(t *testing.T) {
	d, err := New("", "")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Hour)
	assert.Equal(t, 0, d.Minute)
	assert.Equal(t, time.UTC, d.Location)

	_, err = New("08:00", "Not/AZone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule: load location")
}

func TestDaily_Next(t *testing.T) {
	d := &Daily{Hour: 8}
	tests := []struct {
		now  string
		want string
	}{
		{"2026-10-19T06:00:00Z", "2026-10-19T08:00:00Z"},
		{"2026-10-19T08:00:00Z", "2026-10-20T08:00:00Z"},
		{"2026-10-19T23:59:00Z", "2026-10-20T08:00:00Z"},
		{"2026-12-31T09:00:00Z", "2027-01-01T08:00:00Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, utc(tt.want), d.Next(utc(tt.now)), tt.now)
	}
}

func TestDue(t *testing.T) {
	now := utc("2026-10-19T10:00:00Z")
	assert.True(t, Due(now, nil))

	yesterday := utc("2026-10-18T08:00:00Z")
	assert.True(t, Due(now, &yesterday))

	earlier := utc("2026-10-19T08:00:00Z")
	assert.False(t, Due(now, &earlier))
}

func TestDaily_RunsOncePerDay(t *testing.T) {
	clock := &fakeClock{now: utc("2026-10-19T06:00:00Z")}
	d := &Daily{Hour: 8, Now: clock.Now, After: clock.After, Log: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs []time.Time
	err := d.Run(ctx, nil, func(context.Context) error {
		runs = append(runs, clock.Now())
		if len(runs) == 2 {
			return errors.New("budget store down")
		}
		if len(runs) == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		utc("2026-10-19T08:00:00Z"),
		utc("2026-10-20T08:00:00Z"),
		utc("2026-10-21T08:00:00Z"),
	}, runs)
	assert.Equal(t, []time.Duration{2 * time.Hour, 24 * time.Hour, 24 * time.Hour}, clock.waits[:3])
}

func TestDaily_RunOnStart(t *testing.T) {
	clock := &fakeClock{now: utc("2026-10-19T12:00:00Z")}
	d := &Daily{Hour: 8, RunOnStart: true, Now: clock.Now, After: clock.After, Log: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs []time.Time
	require.NoError(t, d.Run(ctx, nil, func(context.Context) error {
		runs = append(runs, clock.Now())
		if len(runs) == 2 {
			cancel()
		}
		return nil
	}))
	assert.Equal(t, []time.Time{utc("2026-10-19T12:00:00Z"), utc("2026-10-20T08:00:00Z")}, runs)
}

func TestDaily_RunOnStartSkipsWhenRanToday(t *testing.T) {
	clock := &fakeClock{now: utc("2026-10-19T12:00:00Z")}
	d := &Daily{Hour: 8, RunOnStart: true, Now: clock.Now, After: clock.After, Log: zap.NewNop()}
	last := utc("2026-10-19T08:00:05Z")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs []time.Time
	require.NoError(t, d.Run(ctx, &last, func(context.Context) error {
		runs = append(runs, clock.Now())
		cancel()
		return nil
	}))
	assert.Equal(t, []time.Time{utc("2026-10-20T08:00:00Z")}, runs)
}

func TestDaily_StopsWhileWaiting(t *testing.T) {
	never := make(chan time.Time)
	d := &Daily{
		Hour:  8,
		Now:   func() time.Time { return utc("2026-10-19T06:00:00Z") },
		After: func(time.Duration) <-chan time.Time { return never },
		Log:   zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx, nil, func(context.Context) error {
			t.Error("job must not run")
			return nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
