package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/pkg/models"
)

var entryTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openPosition(t *testing.T, typ models.SignalType) *Position {
	sig := models.Signal{
		StrategyID: "ma",
		Symbol:     "BTCUSDT",
		Type:       typ,
		Strength:   0.8,
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 104,
	}
	if typ == models.Sell {
		sig.StopLoss, sig.TakeProfit = 102, 96
	}
	p := newPosition(sig, 1)
	require.Equal(t, Pending, p.State())
	require.NoError(t, p.MarkOpen(0, 2, entryTime))
	return p
}

func TestPositionStateMachine(t *testing.T) {
	p := newPosition(models.Signal{Symbol: "BTCUSDT", Type: models.Buy, EntryPrice: 100}, 0)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1.0, p.ContractValue)

	err := p.BeginClose()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, p.MarkOpen(101, 3, entryTime))
	assert.Equal(t, 101.0, p.EntryPrice)
	assert.Equal(t, 3.0, p.Size)
	assert.Error(t, p.MarkOpen(101, 3, entryTime))

	require.NoError(t, p.BeginClose())
	assert.ErrorIs(t, p.BeginClose(), ErrAlreadyClosing)

	require.NoError(t, p.AbortClose())
	assert.Equal(t, Open, p.State())

	require.NoError(t, p.BeginClose())
	require.NoError(t, p.MarkClosed(ReasonManual))
	assert.Equal(t, Closed, p.State())
	assert.Equal(t, ReasonManual, p.Snapshot().CloseReason)
	assert.ErrorIs(t, p.BeginClose(), ErrAlreadyClosing)
	assert.Error(t, p.AbortClose())
}

func TestBeginCloseIsExclusive(t *testing.T) {
	p := openPosition(t, models.Buy)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.BeginClose() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, Closing, p.State())
}

func TestUpdatePnLIsIdempotent(t *testing.T) {
	long := openPosition(t, models.Buy)
	assert.InDelta(t, 10, long.UpdatePnL(105), 1e-9)
	assert.InDelta(t, 10, long.UpdatePnL(105), 1e-9)
	assert.InDelta(t, 10, long.UnrealizedPnL(), 1e-9)
	assert.InDelta(t, 10, long.UpdatePnL(0), 1e-9)

	short := openPosition(t, models.Sell)
	assert.InDelta(t, -10, short.UpdatePnL(105), 1e-9)
	assert.InDelta(t, 4, short.UpdatePnL(98), 1e-9)
}

func TestExitReasonLong(t *testing.T) {
	p := openPosition(t, models.Buy)
	grace := 5 * time.Second

	assert.Empty(t, p.ExitReason(90, entryTime.Add(time.Second), grace))

	later := entryTime.Add(10 * time.Second)
	assert.Equal(t, ReasonStopLoss, p.ExitReason(97.5, later, grace))
	assert.Equal(t, ReasonTakeProfit, p.ExitReason(104, later, grace))
	assert.Empty(t, p.ExitReason(101, later, grace))

	p.TrailingStop = 0.01
	p.UpdatePnL(103)
	assert.Empty(t, p.ExitReason(102.5, later, grace))
	assert.Equal(t, ReasonTrailingStop, p.ExitReason(101.9, later, grace))
}

func TestExitReasonShort(t *testing.T) {
	p := openPosition(t, models.Sell)
	later := entryTime.Add(10 * time.Second)

	assert.Equal(t, ReasonStopLoss, p.ExitReason(102.5, later, 0))
	assert.Equal(t, ReasonTakeProfit, p.ExitReason(95, later, 0))

	p.TrailingStop = 0.01
	assert.Empty(t, p.ExitReason(99.5, later, 0))
	p.UpdatePnL(97)
	assert.Equal(t, ReasonTrailingStop, p.ExitReason(98, later, 0))
}

func TestExitReasonIgnoresClosingPosition(t *testing.T) {
	p := openPosition(t, models.Buy)
	require.NoError(t, p.BeginClose())
	assert.Empty(t, p.ExitReason(50, entryTime.Add(time.Minute), 0))
}

func TestRealizedPnLIncludesFees(t *testing.T) {
	p := openPosition(t, models.Buy)
	p.Size = 75
	p.OpenFee = 7500 * 0.0005

	assert.InDelta(t, 300-3.75-3.9, p.RealizedPnL(104, 0.0005), 1e-9)
}
