package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/market"
)

func barsFromCloses(values ...float64) []market.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(values))
	for i, v := range values {
		ts := start.AddDate(0, 0, i).UnixMilli()
		out[i] = market.Candle{
			OpenTime:  ts,
			CloseTime: ts,
			Open:      v,
			High:      v + 1,
			Low:       v - 1,
			Close:     v,
			Volume:    1_000_000,
		}
	}
	return out
}

func TestComputeUnknownKind(t *testing.T) {
	_, err := Compute("vwap", barsFromCloses(1, 2, 3), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestSMA(t *testing.T) {
	series, err := Compute("sma", barsFromCloses(1, 2, 3, 4, 5, 6), Params{"window": 3})
	require.NoError(t, err)
	require.Len(t, series, 6)
	assert.True(t, math.IsNaN(series[0]))
	assert.True(t, math.IsNaN(series[1]))
	assert.InDelta(t, 2.0, series[2], 1e-9)
	assert.InDelta(t, 5.0, series[5], 1e-9)
}

func TestEMASeededWithFirstValue(t *testing.T) {
	// 常数序列的 EMA 恒等于该常数，warm-up 区间为 NaN。
	series, err := Compute("ema", barsFromCloses(7, 7, 7, 7, 7), Params{"window": 3})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(series[0]))
	assert.True(t, math.IsNaN(series[1]))
	for i := 2; i < len(series); i++ {
		assert.InDelta(t, 7.0, series[i], 1e-9)
	}
}

func TestRSIBoundsAndZeroLoss(t *testing.T) {
	up, err := Compute("rsi", barsFromCloses(1, 2, 3, 4, 5, 6, 7, 8), Params{"window": 2})
	require.NoError(t, err)
	// 无下跌 ⇒ 平均亏损为 0 ⇒ RSI=100，而不是除零。
	assert.Equal(t, 100.0, up[len(up)-1])

	mixed, err := Compute("rsi", barsFromCloses(1, 2, 3, 2, 3, 4, 5, 6), Params{"window": 2})
	require.NoError(t, err)
	for i, v := range mixed {
		if math.IsNaN(v) {
			continue
		}
		assert.GreaterOrEqual(t, v, 0.0, "index %d", i)
		assert.LessOrEqual(t, v, 100.0, "index %d", i)
	}
}

func TestATRFirstBarFallback(t *testing.T) {
	bars := barsFromCloses(10, 11, 12, 13)
	series, err := Compute("atr", bars, Params{"window": 2})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(series[0]))
	// warm-up 之后应为有限值；首根 TR 退化为 high-low=2。
	for i := 1; i < len(series); i++ {
		assert.False(t, math.IsNaN(series[i]), "index %d", i)
		assert.Greater(t, series[i], 0.0)
	}
}

func TestROC(t *testing.T) {
	series, err := Compute("roc", barsFromCloses(100, 110, 121), Params{"window": 1})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(series[0]))
	assert.InDelta(t, 10.0, series[1], 1e-9)
	assert.InDelta(t, 10.0, series[2], 1e-9)

	zero, err := Compute("roc", barsFromCloses(0, 5, 10), Params{"window": 1})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(zero[1]), "前值为 0 时应输出 NaN")
}

func TestMACDUnmasked(t *testing.T) {
	series, err := Compute("macd", barsFromCloses(1, 2, 3, 4), Params{"fast": 2, "slow": 4})
	require.NoError(t, err)
	for i, v := range series {
		assert.False(t, math.IsNaN(v), "MACD 从第 0 根即有定义, index %d", i)
	}
	assert.Equal(t, 0.0, series[0])
}

func TestBollingerPct(t *testing.T) {
	flat, err := Compute("bollinger_pct", barsFromCloses(5, 5, 5, 5), Params{"window": 3})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(flat[3]), "上下轨重合时输出 NaN")

	moving, err := Compute("bollinger_pct", barsFromCloses(1, 2, 3, 4, 5), Params{"window": 3, "std": 2})
	require.NoError(t, err)
	last := moving[len(moving)-1]
	assert.False(t, math.IsNaN(last))
	assert.Greater(t, last, 0.5) // 上升趋势中收盘价靠近上轨
}

func TestADXDefinedAfterWarmup(t *testing.T) {
	closes := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		closes = append(closes, 100+float64(i%7)+float64(i)*0.3)
	}
	series, err := Compute("adx", barsFromCloses(closes...), Params{"window": 14})
	require.NoError(t, err)
	require.Len(t, series, 40)
	assert.False(t, math.IsNaN(series[len(series)-1]))
}

func TestADXNaNOnZeroRangeBar(t *testing.T) {
	closes := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		closes = append(closes, 100+float64(i%7)+float64(i)*0.3)
	}
	bars := barsFromCloses(closes...)
	// 第 30 根与前收持平且无波幅，TR 为零
	const flat = 30
	px := bars[flat-1].Close
	bars[flat].Open, bars[flat].High, bars[flat].Low, bars[flat].Close = px, px, px, px

	series, err := Compute("adx", bars, Params{"window": 14})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(series[flat]), "零波幅 K 线上 ADX 应为 NaN")
	assert.False(t, math.IsNaN(series[flat-1]))
	assert.False(t, math.IsNaN(series[flat+1]))
}

func TestWarmupMaskProperty(t *testing.T) {
	closes := []float64{3, 6, 2, 8, 5, 9, 4, 7, 6, 10, 8, 12, 11, 9, 13, 12, 15, 14, 16, 18}
	bars := barsFromCloses(closes...)
	window := 5
	for _, kind := range []string{"sma", "ema", "rsi", "atr"} {
		t.Run(kind, func(t *testing.T) {
			series, err := Compute(kind, bars, Params{"window": float64(window)})
			require.NoError(t, err)
			for i := 0; i < window-1; i++ {
				assert.True(t, math.IsNaN(series[i]), "%s index %d 应在 warm-up 内", kind, i)
			}
			for i := window - 1; i < len(series); i++ {
				assert.False(t, math.IsNaN(series[i]), "%s index %d 应已有定义", kind, i)
			}
		})
	}
	t.Run("roc", func(t *testing.T) {
		series, err := Compute("roc", bars, Params{"window": float64(window)})
		require.NoError(t, err)
		for i := 0; i < window; i++ {
			assert.True(t, math.IsNaN(series[i]))
		}
		for i := window; i < len(series); i++ {
			assert.False(t, math.IsNaN(series[i]))
		}
	})
}
