package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/pkg/models"
)

func TestFileJournalAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "trades.jsonl")
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	j, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, models.TradeRecord{
		Timestamp: at, Action: models.ActionOpen, Symbol: "BTCUSDT", Side: models.Long,
		Size: 75, Price: 100, StrategyID: "ma", Leverage: 50,
	}))
	require.NoError(t, j.Close())

	// повторное открытие дописывает, а не перезаписывает
	j, err = OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, models.TradeRecord{
		Timestamp: at.Add(time.Minute), Action: models.ActionClose, Symbol: "BTCUSDT", Side: models.Long,
		Size: 75, Price: 104, StrategyID: "ma", PnL: 292.35, Reason: "take_profit",
	}))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	recs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ActionOpen, recs[0].Action)
	assert.Equal(t, 50, recs[0].Leverage)
	assert.True(t, at.Equal(recs[0].Timestamp))
	assert.Equal(t, "take_profit", recs[1].Reason)
	assert.InDelta(t, 292.35, recs[1].PnL, 1e-9)
}

func TestRecordAfterCloseFails(t *testing.T) {
	j, err := OpenFile(filepath.Join(t.TempDir(), "trades.jsonl"))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Error(t, j.Record(context.Background(), models.TradeRecord{Action: models.ActionOpen}))
}

func TestReadFileSkipsBrokenLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	content := `{"action":"open","symbol":"BTCUSDT"}` + "\n" + "not json\n\n" + `{"action":"close","symbol":"BTCUSDT"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ActionClose, recs[1].Action)
}

type failingJournal struct{ calls int }

func (f *failingJournal) Record(context.Context, models.TradeRecord) error {
	f.calls++
	return errors.New("недоступно")
}

func (f *failingJournal) Close() error { return nil }

func TestMultiWritesToAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	fj, err := OpenFile(path)
	require.NoError(t, err)
	bad := &failingJournal{}

	m := Multi{bad, fj}
	err = m.Record(context.Background(), models.TradeRecord{Action: models.ActionRejected, Symbol: "ETHUSDT"})
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	require.NoError(t, m.Close())

	recs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ETHUSDT", recs[0].Symbol)
}
