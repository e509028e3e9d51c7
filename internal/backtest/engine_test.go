package backtest

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/market"
	"quantdesk/internal/signal/pipeline"
	"quantdesk/internal/strategy"
)

const dayMs = int64(24 * 60 * 60 * 1000)

func dailyBars(closes ...float64) []market.Candle {
	bars := make([]market.Candle, len(closes))
	for i, c := range closes {
		bars[i] = market.Candle{
			OpenTime:  int64(i) * dayMs,
			CloseTime: int64(i+1)*dayMs - 1,
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func fixedStrategy(shares float64, exitRules ...string) *strategy.Strategy {
	s := &strategy.Strategy{
		Name:     "test",
		Universe: []string{"BTCUSDT"},
		Indicators: []pipeline.IndicatorDef{
			{Name: "atr14", Kind: "atr", Params: map[string]float64{"window": 3}},
		},
		EntryRule: "True",
		ExitRules: exitRules,
		Sizing:    strategy.Sizing{Type: SizingFixed, Params: map[string]float64{"shares": shares, "atr_multiple": 2}},
		Limits:    strategy.Limits{MaxPositions: 5, MaxPositionPct: 1, MaxGrossExposure: 10},
		Backtest:  strategy.Window{Frequency: "1D", InitialEquity: 100000},
	}
	return s
}

func TestSimulateFixedSizingOpensOnce(t *testing.T) {
	strat := fixedStrategy(10)
	series := map[string][]market.Candle{
		"BTCUSDT": dailyBars(100, 101, 102, 103, 104, 105, 106, 107),
	}
	result, err := Simulate(context.Background(), strat, series)
	require.NoError(t, err)

	// 首个净值点恰等于初始资金（盯市先于任何交易）
	assert.Equal(t, 100000.0, result.EquityCurve[0].Value)
	require.Len(t, result.Orders, 1)
	assert.Equal(t, "buy", result.Orders[0].Side)
	assert.Equal(t, 10.0, result.Orders[0].Quantity)
	// ATR 窗口为 3，首个特征完整的 K 线在下标 2
	assert.Equal(t, 2*dayMs, result.Orders[0].Time)
	// 持仓期间不再评估入场 → 始终只有一笔
	assert.Empty(t, result.Trades)
	require.Len(t, result.EquityCurve, 8)
}

func TestSimulateRuleExitJoinsReasons(t *testing.T) {
	strat := fixedStrategy(10, "close > 102", "close >= 103")
	series := map[string][]market.Candle{
		"BTCUSDT": dailyBars(100, 101, 102, 103, 104),
	}
	result, err := Simulate(context.Background(), strat, series)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, "close > 102,close >= 103", result.Trades[0].Reason)
	assert.Equal(t, 103.0, result.Trades[0].ExitPrice)
}

func TestSimulateHardStopFillsAtStopPrice(t *testing.T) {
	strat := fixedStrategy(10)
	// 入场于下标 2（close=100，ATR≈某个正数），随后暴跌触发止损
	bars := dailyBars(100, 100, 100, 100, 50)
	series := map[string][]market.Candle{"BTCUSDT": bars}

	result, err := Simulate(context.Background(), strat, series)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, "stop", trade.Reason)
	// 止损单按止损价成交，而不是当根收盘价
	assert.Greater(t, trade.ExitPrice, 50.0)
	assert.Less(t, trade.ExitPrice, 100.0)
}

func TestSimulateTrailingStopOnlyRaises(t *testing.T) {
	strat := fixedStrategy(10, "trailing_stop(close - 2)")
	bars := dailyBars(100, 100, 100, 110, 105, 104)
	series := map[string][]market.Candle{"BTCUSDT": bars}

	result, err := Simulate(context.Background(), strat, series)
	require.NoError(t, err)

	// close=110 时止损抬到 108；随后 105/104 的低点 104 ≤ 108 触发
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "stop", result.Trades[0].Reason)
	assert.Equal(t, 108.0, result.Trades[0].ExitPrice)
}

func TestSimulateSkipsEntryWithoutATRFeature(t *testing.T) {
	strat := fixedStrategy(10)
	strat.Indicators = []pipeline.IndicatorDef{
		{Name: "sma3", Kind: "sma", Params: map[string]float64{"window": 3}},
	}
	series := map[string][]market.Candle{
		"BTCUSDT": dailyBars(100, 101, 102, 103, 104),
	}
	result, err := Simulate(context.Background(), strat, series)
	require.NoError(t, err)
	assert.Empty(t, result.Orders)
}

func TestATRFeatureLookupOrder(t *testing.T) {
	v, ok := atrFeature(map[string]float64{"atr": 5.0})
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	// 偏好键存在但非正时直接拒绝，不回退到后续键
	_, ok = atrFeature(map[string]float64{"atr14": 0, "atr": 5.0})
	assert.False(t, ok)

	// NaN 视为未定义，继续找下一个键
	v, ok = atrFeature(map[string]float64{"atr14": math.NaN(), "atr": 5.0})
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	_, ok = atrFeature(map[string]float64{"rsi": 50.0})
	assert.False(t, ok)
}

func TestSimulateUnknownIndicatorFails(t *testing.T) {
	strat := fixedStrategy(10)
	strat.Indicators = []pipeline.IndicatorDef{{Name: "x", Kind: "supertrend"}}
	_, err := Simulate(context.Background(), strat, map[string][]market.Candle{
		"BTCUSDT": dailyBars(100, 101, 102),
	})
	assert.Error(t, err)
}

func TestSimulateBadRuleFailsRun(t *testing.T) {
	strat := fixedStrategy(10)
	strat.EntryRule = "close > missing_feature"
	_, err := Simulate(context.Background(), strat, map[string][]market.Candle{
		"BTCUSDT": dailyBars(100, 101, 102, 103),
	})
	assert.Error(t, err)
}

func TestSimulateTimestampUnionAcrossSymbols(t *testing.T) {
	strat := fixedStrategy(1)
	strat.Universe = []string{"AAA", "BBB"}
	strat.Indicators = nil
	strat.EntryRule = "False"

	aaa := dailyBars(10, 11, 12)
	bbb := dailyBars(20, 21, 22, 23, 24)
	// BBB 的后两根时间戳超出 AAA 的范围
	result, err := Simulate(context.Background(), strat, map[string][]market.Candle{
		"AAA": aaa, "BBB": bbb,
	})
	require.NoError(t, err)
	assert.Len(t, result.EquityCurve, 5)
}

func TestRunStoreRoundTrip(t *testing.T) {
	store, err := NewRunStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	strat := fixedStrategy(10)
	run, err := NewRun(strat)
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(run))

	result, err := Simulate(context.Background(), strat, map[string][]market.Candle{
		"BTCUSDT": dailyBars(100, 101, 102, 103, 104),
	})
	require.NoError(t, err)

	run.Complete(result)
	require.NoError(t, store.SaveRun(run))
	require.NoError(t, store.SaveResult(run.ID, result))

	got, metrics, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.Equal(t, RunStatusDone, got.Status)
	assert.Equal(t, run.Strategy, got.Strategy)
	assert.InDelta(t, result.Metrics.TotalReturn, metrics.TotalReturn, 1e-12)

	equity, err := store.RunEquity(run.ID)
	require.NoError(t, err)
	assert.Len(t, equity, len(result.EquityCurve))

	list, err := store.ListRuns("", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].HasStats)
}
