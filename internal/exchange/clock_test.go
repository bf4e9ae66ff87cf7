package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock возвращает заданные моменты по очереди
type stepClock struct {
	times []time.Time
	i     int
}

func (s *stepClock) now() time.Time {
	t := s.times[s.i]
	if s.i < len(s.times)-1 {
		s.i++
	}
	return t
}

type fakeSource struct {
	server time.Time
	errs   int
	calls  int
}

func (f *fakeSource) ServerTime(context.Context) (time.Time, error) {
	f.calls++
	if f.calls <= f.errs {
		return time.Time{}, errors.New("timeout")
	}
	return f.server, nil
}

func TestClockSyncCompensatesNetworkDelay(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	local := &stepClock{times: []time.Time{
		base,
		base.Add(200 * time.Millisecond),
		base.Add(time.Second),
	}}
	// сервер отвечает серединой запроса плюс 3 секунды
	src := &fakeSource{server: base.Add(100*time.Millisecond + 3*time.Second)}

	c := NewClock(src, time.Minute, WithLocalTime(local.now))
	assert.True(t, c.NeedsSync())
	require.NoError(t, c.Sync(context.Background()))

	assert.Equal(t, 3*time.Second, c.Offset())
	assert.Equal(t, 100*time.Millisecond, c.NetworkDelay())
	assert.Equal(t, base.Add(4*time.Second), c.Now())
}

func TestClockNeedsResync(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(&fakeSource{server: now}, 5*time.Minute, WithLocalTime(func() time.Time { return now }))
	require.NoError(t, c.Sync(context.Background()))
	assert.False(t, c.NeedsSync())

	now = now.Add(5 * time.Minute)
	assert.True(t, c.NeedsSync())
}

func TestClockRetriesThenFails(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{server: now.Add(time.Second), errs: 2}
	c := NewClock(src, time.Minute,
		WithLocalTime(func() time.Time { return now }),
		WithRetry(3, time.Millisecond, 2*time.Millisecond))

	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, time.Second, c.Offset())

	failing := &fakeSource{errs: 10}
	c = NewClock(failing, time.Minute, WithRetry(2, time.Millisecond, time.Millisecond))
	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, failing.calls)
	assert.True(t, c.NeedsSync())
}

func TestUntilNextSecond(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	c := NewClock(&fakeSource{}, time.Minute, WithLocalTime(func() time.Time { return now }))
	assert.Equal(t, 750*time.Millisecond, c.UntilNextSecond())
}
