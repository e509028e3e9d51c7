package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateRulesExitAndTrailing(t *testing.T) {
	bar := Context{"open": 10.0, "high": 11.0, "low": 9.5, "close": 9.8, "volume": 1000.0}
	features := Context{"sma": 10.2, "atr": 0.5}

	out, err := EvaluateRules("close > sma", []string{
		"close < sma",
		"trailing_stop(high - 2*atr)",
	}, bar, features)
	require.NoError(t, err)

	assert.False(t, out.Entry)
	assert.Equal(t, []string{"close < sma"}, out.ExitReasons)
	assert.True(t, out.HasTrailing)
	assert.InDelta(t, 10.0, out.TrailingStop, 1e-9)
}

func TestEvaluateRulesDefaultEntry(t *testing.T) {
	out, err := EvaluateRules("", nil, Context{"close": 1.0}, nil)
	require.NoError(t, err)
	assert.True(t, out.Entry)
	assert.Empty(t, out.ExitReasons)
	assert.False(t, out.HasTrailing)
}

func TestEvaluateRulesAccumulatesAllReasons(t *testing.T) {
	bar := Context{"close": 5.0}
	features := Context{"sma": 6.0, "rsi": 80.0}

	out, err := EvaluateRules("False", []string{
		"close < sma",
		"rsi > 70",
		"close > 100",
	}, bar, features)
	require.NoError(t, err)
	assert.Equal(t, []string{"close < sma", "rsi > 70"}, out.ExitReasons)
}

func TestEvaluateRulesLastTrailingWins(t *testing.T) {
	out, err := EvaluateRules("True", []string{
		"trailing_stop(close - 1)",
		"trailing_stop(close - 2)",
	}, Context{"close": 10.0}, nil)
	require.NoError(t, err)
	assert.True(t, out.HasTrailing)
	assert.Equal(t, 8.0, out.TrailingStop)
}

func TestMergeContextFeaturePrecedence(t *testing.T) {
	// 特征键与 K 线字段同名时，特征值覆盖 K 线值。
	bar := Context{"close": 10.0, "high": 11.0}
	features := Context{"close": 42.0}

	merged := MergeContext(bar, features)
	assert.Equal(t, Value(42.0), merged["close"])
	assert.Equal(t, Value(11.0), merged["high"])

	out, err := EvaluateRules("close == 42", nil, bar, features)
	require.NoError(t, err)
	assert.True(t, out.Entry)
}

func TestEvaluateRulesPropagatesErrors(t *testing.T) {
	_, err := EvaluateRules("bogus > 0", nil, Context{"close": 1.0}, nil)
	assert.ErrorIs(t, err, ErrExpr)

	_, err = EvaluateRules("True", []string{"trailing_stop(close - missing)"}, Context{"close": 1.0}, nil)
	assert.ErrorIs(t, err, ErrExpr)
}
