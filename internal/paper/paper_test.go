package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/market"
	"quantdesk/internal/signal/pipeline"
	"quantdesk/internal/strategy"
)

type staticProvider struct {
	series map[string][]market.Candle
}

func (p staticProvider) History(_ context.Context, symbols []string, _, _ int64) (map[string][]market.Candle, error) {
	out := make(map[string][]market.Candle, len(symbols))
	for _, s := range symbols {
		out[s] = p.series[s]
	}
	return out, nil
}

func bars(closes ...float64) []market.Candle {
	const day = int64(24 * 60 * 60 * 1000)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{OpenTime: int64(i) * day, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1}
	}
	return out
}

func TestParseIntervalDuration(t *testing.T) {
	d, ok := ParseIntervalDuration("1D")
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)

	d, ok = ParseIntervalDuration("15m")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, d)

	_, ok = ParseIntervalDuration("")
	assert.False(t, ok)
	_, ok = ParseIntervalDuration("abc")
	assert.False(t, ok)
	_, ok = ParseIntervalDuration("0h")
	assert.False(t, ok)
}

func TestRunOnceLatestBarDecision(t *testing.T) {
	strat := &strategy.Strategy{
		Name:     "paper-test",
		Universe: []string{"BTCUSDT", "ETHUSDT"},
		Indicators: []pipeline.IndicatorDef{
			{Name: "sma3", Kind: "sma", Params: map[string]float64{"window": 3}},
		},
		EntryRule: "close > sma3",
		ExitRules: []string{"close < sma3"},
	}
	provider := staticProvider{series: map[string][]market.Candle{
		"BTCUSDT": bars(1, 2, 3, 4, 5), // 上升：最后一根入场为真
		"ETHUSDT": bars(5, 4, 3, 2, 1), // 下降：最后一根退出规则命中
	}}

	trader := NewTrader(provider, strat, nil, nil)
	signals, err := trader.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	bySymbol := map[string]Signal{}
	for _, s := range signals {
		bySymbol[s.Symbol] = s
	}
	assert.True(t, bySymbol["BTCUSDT"].Entry)
	assert.Empty(t, bySymbol["BTCUSDT"].ExitReasons)
	assert.Equal(t, []string{"close < sma3"}, bySymbol["ETHUSDT"].ExitReasons)
	assert.False(t, bySymbol["BTCUSDT"].Warmup)
}

func TestRunOnceMarksWarmup(t *testing.T) {
	strat := &strategy.Strategy{
		Name:     "warmup",
		Universe: []string{"BTCUSDT"},
		Indicators: []pipeline.IndicatorDef{
			{Name: "sma10", Kind: "sma", Params: map[string]float64{"window": 10}},
		},
		EntryRule: "True",
	}
	provider := staticProvider{series: map[string][]market.Candle{
		"BTCUSDT": bars(1, 2, 3), // 不足暖机窗口
	}}
	trader := NewTrader(provider, strat, nil, nil)
	signals, err := trader.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Warmup)
}
