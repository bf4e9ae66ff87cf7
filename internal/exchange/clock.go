package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/pkg/logger"
)

// TimeSource источник эталонного времени
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Clock локальные часы, выровненные по времени биржи
type Clock struct {
	source   TimeSource
	local    func() time.Time
	interval time.Duration
	retry    backoff.Backoff
	attempts int

	mu       sync.RWMutex
	offset   time.Duration
	delay    time.Duration
	lastSync time.Time
	synced   bool
}

// ClockOption дополнительная настройка часов
type ClockOption func(*Clock)

// WithLocalTime подменяет локальные часы
func WithLocalTime(now func() time.Time) ClockOption {
	return func(c *Clock) { c.local = now }
}

// WithRetry задает число попыток синхронизации и паузы между ними
func WithRetry(attempts int, min, max time.Duration) ClockOption {
	return func(c *Clock) {
		c.attempts = attempts
		c.retry = backoff.Backoff{Min: min, Max: max, Factor: 2}
	}
}

// NewClock создает часы; interval задает период повторной синхронизации
func NewClock(source TimeSource, interval time.Duration, opts ...ClockOption) *Clock {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c := &Clock{
		source:   source,
		local:    time.Now,
		interval: interval,
		retry:    backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true},
		attempts: 3,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sync измеряет смещение локальных часов относительно сервера с учетом задержки сети
func (c *Clock) Sync(ctx context.Context) error {
	b := c.retry
	b.Reset()

	var lastErr error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		before := c.local()
		server, err := c.source.ServerTime(ctx)
		after := c.local()
		if err != nil {
			lastErr = err
			logger.Warn("Ошибка синхронизации времени", zap.Int("attempt", i+1), zap.Error(err))
			continue
		}

		delay := after.Sub(before) / 2
		offset := server.Sub(before.Add(delay))

		c.mu.Lock()
		c.offset = offset
		c.delay = delay
		c.lastSync = after
		c.synced = true
		c.mu.Unlock()

		logger.Info("Время синхронизировано с биржей",
			zap.Duration("offset", offset),
			zap.Duration("network_delay", delay))
		return nil
	}
	return fmt.Errorf("синхронизация времени не удалась после %d попыток: %w", c.attempts, lastErr)
}

// Now возвращает время биржи
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.local().Add(offset)
}

// NeedsSync сообщает, что пора повторить синхронизацию
func (c *Clock) NeedsSync() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.synced || c.local().Sub(c.lastSync) >= c.interval
}

// Offset текущее смещение относительно сервера
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// NetworkDelay оценка односторонней задержки при последней синхронизации
func (c *Clock) NetworkDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delay
}

// UntilNextSecond время до ближайшей границы секунды по часам биржи
func (c *Clock) UntilNextSecond() time.Duration {
	now := c.Now()
	return now.Truncate(time.Second).Add(time.Second).Sub(now)
}
