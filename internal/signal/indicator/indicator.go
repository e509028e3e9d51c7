// Package indicator 提供把 K 线序列映射为特征序列的纯函数注册表。
//
// 所有指标输出与输入 K 线一一对齐；warm-up 窗口内的下标输出 NaN。
package indicator

import (
	"errors"
	"fmt"
	"math"

	"quantdesk/internal/market"
)

// ErrUnknown 表示指标类型不在注册表中。
var ErrUnknown = errors.New("unknown indicator kind")

// Params 是指标参数表，窗口等数值参数按需取用。
type Params map[string]float64

// Window 取窗口参数，缺省时返回 def。
func (p Params) Window(def int) int {
	if v, ok := p["window"]; ok && v > 0 {
		return int(v)
	}
	return def
}

func (p Params) value(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Func 为单个指标的计算函数。
type Func func(bars []market.Candle, params Params) []float64

// registry 在进程启动时构建一次；扩展指标时在此登记，不做运行时替换。
var registry = map[string]Func{
	"sma":           smaIndicator,
	"ema":           emaIndicator,
	"rsi":           rsiIndicator,
	"atr":           atrIndicator,
	"roc":           rocIndicator,
	"macd":          macdIndicator,
	"bollinger_pct": bollingerPctIndicator,
	"adx":           adxIndicator,
}

// Compute 按 kind 分发指标计算。未知 kind 返回包装了 ErrUnknown 的错误。
func Compute(kind string, bars []market.Candle, params Params) ([]float64, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, kind)
	}
	return fn(bars, params), nil
}

// Kinds 返回注册表中的全部指标类型（供配置校验与提示）。
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

func closes(bars []market.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// rollingMean 计算尾随 window 均值，窗口不足时为 NaN。
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(window)
	}
	return out
}

// rollingStd 计算尾随 window 总体标准差（除以 window 而非 window-1）。
func rollingStd(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		slice := values[i+1-window : i+1]
		var mean float64
		for _, v := range slice {
			mean += v
		}
		mean /= float64(window)
		var variance float64
		for _, v := range slice {
			d := v - mean
			variance += d * d
		}
		variance /= float64(window)
		out[i] = math.Sqrt(variance)
	}
	return out
}

// ema 用 alpha=2/(window+1) 递推，首个观测值作为种子（不是简单均值）。
func ema(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	alpha := 2.0 / float64(window+1)
	var cur float64
	for i, v := range values {
		if i == 0 {
			cur = v
		} else {
			cur = alpha*v + (1-alpha)*cur
		}
		out[i] = cur
	}
	return out
}

// trueRange 计算每根 K 线的真实波幅；首根退化为 high-low。
func trueRange(bars []market.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		hl := b.High - b.Low
		if i == 0 {
			out[i] = hl
			continue
		}
		prevClose := bars[i-1].Close
		hc := math.Abs(b.High - prevClose)
		lc := math.Abs(b.Low - prevClose)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// maskWarmup 把前 window-1 个值替换为 NaN。
func maskWarmup(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if i+1 < window {
			out[i] = math.NaN()
		} else {
			out[i] = v
		}
	}
	return out
}

func smaIndicator(bars []market.Candle, params Params) []float64 {
	return rollingMean(closes(bars), params.Window(14))
}

func emaIndicator(bars []market.Candle, params Params) []float64 {
	window := params.Window(14)
	return maskWarmup(ema(closes(bars), window), window)
}

func rsiIndicator(bars []market.Candle, params Params) []float64 {
	window := params.Window(14)
	cl := closes(bars)
	gains := make([]float64, len(cl))
	losses := make([]float64, len(cl))
	for i := 1; i < len(cl); i++ {
		change := cl[i] - cl[i-1]
		gains[i] = math.Max(change, 0)
		losses[i] = math.Max(-change, 0)
	}
	avgGain := ema(gains, window)
	avgLoss := ema(losses, window)
	out := make([]float64, len(cl))
	for i := range cl {
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		if avgLoss[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

func atrIndicator(bars []market.Candle, params Params) []float64 {
	window := params.Window(14)
	return maskWarmup(ema(trueRange(bars), window), window)
}

func rocIndicator(bars []market.Candle, params Params) []float64 {
	window := params.Window(12)
	cl := closes(bars)
	out := make([]float64, len(cl))
	for i, price := range cl {
		if i < window {
			out[i] = math.NaN()
			continue
		}
		prev := cl[i-window]
		if prev == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = (price - prev) / prev * 100
	}
	return out
}

// macdIndicator 输出 fast EMA 与 slow EMA 的差，不做 warm-up 掩码。
func macdIndicator(bars []market.Candle, params Params) []float64 {
	fast := int(params.value("fast", 12))
	slow := int(params.value("slow", 26))
	cl := closes(bars)
	fastEMA := ema(cl, fast)
	slowEMA := ema(cl, slow)
	out := make([]float64, len(cl))
	for i := range cl {
		out[i] = fastEMA[i] - slowEMA[i]
	}
	return out
}

func bollingerPctIndicator(bars []market.Candle, params Params) []float64 {
	window := params.Window(20)
	mult := params.value("std", 2.0)
	cl := closes(bars)
	mid := rollingMean(cl, window)
	std := rollingStd(cl, window)
	out := make([]float64, len(cl))
	for i := range cl {
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		upper := mid[i] + mult*std[i]
		lower := mid[i] - mult*std[i]
		if upper == lower {
			out[i] = math.NaN()
			continue
		}
		out[i] = (cl[i] - lower) / (upper - lower)
	}
	return out
}

// adxIndicator 对方向指数做两次 EMA 平滑；TR 为零或 ±DI 之和为零时输出 NaN。
func adxIndicator(bars []market.Candle, params Params) []float64 {
	window := params.Window(14)
	tr := trueRange(bars)
	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low
		if upMove > downMove {
			plusDM[i] = math.Max(upMove, 0)
		}
		if downMove > upMove {
			minusDM[i] = math.Max(downMove, 0)
		}
	}
	plusRaw := ema(plusDM, window)
	minusRaw := ema(minusDM, window)
	dx := make([]float64, len(bars))
	for i := range bars {
		if tr[i] == 0 {
			dx[i] = math.NaN()
			continue
		}
		plusDI := 100 * plusRaw[i] / tr[i]
		minusDI := 100 * minusRaw[i] / tr[i]
		denom := plusDI + minusDI
		if denom == 0 {
			dx[i] = math.NaN()
			continue
		}
		dx[i] = math.Abs(plusDI-minusDI) / denom * 100
	}
	return emaSkipNaN(dx, window)
}

// emaSkipNaN 与 ema 相同，但用首个有效值作种子；NaN 输入不参与递推，
// 对应下标输出 NaN。
func emaSkipNaN(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	alpha := 2.0 / float64(window+1)
	cur := math.NaN()
	seeded := false
	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		if !seeded {
			cur = v
			seeded = true
		} else {
			cur = alpha*v + (1-alpha)*cur
		}
		out[i] = cur
	}
	return out
}
