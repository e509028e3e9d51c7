package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/backtest"
	"quantdesk/internal/config"
)

const appStrategy = `
name: sma-cross
universe: [BTCUSDT]
indicators:
  - name: sma3
    kind: sma
    params: {window: 3}
  - name: atr14
    kind: atr
    params: {window: 3}
entry_rule: "close > sma3"
exit_rules:
  - "close < sma3"
sizing:
  type: fixed
  params: {shares: 1, atr_multiple: 2}
limits:
  max_positions: 3
  max_position_pct: 1.0
  max_gross_exposure: 2.0
backtest:
  frequency: 1D
  initial_equity: 10000
`

func writeCSV(t *testing.T, dir string) {
	t.Helper()
	const day = int64(24 * 60 * 60 * 1000)
	body := "timestamp,open,high,low,close,volume\n"
	closes := []float64{100, 101, 102, 103, 104, 103, 101, 99, 98, 97}
	for i, c := range closes {
		body += fmt.Sprintf("%d,%.2f,%.2f,%.2f,%.2f,1000\n",
			int64(i)*day+1704067200000, c, c+1, c-1, c)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT.csv"), []byte(body), 0o644))
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	root := t.TempDir()
	csvDir := filepath.Join(root, "csv")
	stratDir := filepath.Join(root, "strategies")
	require.NoError(t, os.MkdirAll(csvDir, 0o755))
	require.NoError(t, os.MkdirAll(stratDir, 0o755))
	writeCSV(t, csvDir)
	require.NoError(t, os.WriteFile(filepath.Join(stratDir, "sma.yaml"), []byte(appStrategy), 0o644))

	cfg := &config.Config{
		DataDir:      filepath.Join(root, "data"),
		StrategyDir:  stratDir,
		EventLogPath: filepath.Join(root, "data", "events.db"),
	}
	cfg.Source.Type = "csv"
	cfg.Source.CSVDir = csvDir
	cfg.Log.Level = "error"

	a, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestServiceRunBacktestEndToEnd(t *testing.T) {
	a := newTestApp(t)
	svc := a.Service()

	assert.Equal(t, []string{"sma-cross"}, svc.Strategies())

	run, result, err := svc.RunBacktest(context.Background(), "sma-cross")
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusDone, run.Status)
	require.NotNil(t, result)

	// 首个净值点恰等于初始资金
	assert.Equal(t, 10000.0, result.EquityCurve[0].Value)
	// 上升段入场、回落段退出，至少完成一笔往返
	assert.NotEmpty(t, result.Trades)

	// 任务与明细都已落库
	got, metrics, err := svc.RunDetail(run.ID)
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.Equal(t, run.ID, got.ID)

	equity, err := svc.RunEquity(run.ID)
	require.NoError(t, err)
	assert.Len(t, equity, len(result.EquityCurve))

	runs, err := svc.ListRuns("sma-cross", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestServiceUnknownStrategy(t *testing.T) {
	a := newTestApp(t)
	_, _, err := a.Service().RunBacktest(context.Background(), "missing")
	assert.Error(t, err)
}

func TestServicePaperTrader(t *testing.T) {
	a := newTestApp(t)
	trader, err := a.Service().PaperTrader("sma-cross")
	require.NoError(t, err)

	signals, err := trader.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	// 最后一段在下跌，close < sma3 命中退出规则
	assert.Equal(t, []string{"close < sma3"}, signals[0].ExitReasons)
}
