package backtest

import (
	"math"

	"quantdesk/internal/strategy"
)

// 仓位策略类型。未知类型不报错，数量按零处理（宽松回退，
// 见 DESIGN.md 的讨论）。
const (
	SizingVolTarget = "vol_target"
	SizingFixed     = "fixed"
)

// SizeOrder 按仓位策略计算目标股数，下限为零。
//
// vol_target: (equity × risk_per_trade) / (atr × atr_multiple)，
// atr 或价格不为正时直接返回零。fixed: 配置里的固定股数。
func SizeOrder(sizing strategy.Sizing, equity, price, atr float64) float64 {
	switch sizing.Type {
	case SizingVolTarget:
		if atr <= 0 || price <= 0 || math.IsNaN(atr) {
			return 0
		}
		atrMultiple := sizing.Param("atr_multiple", 2)
		if atrMultiple <= 0 {
			return 0
		}
		risk := sizing.Param("risk_per_trade", 0.01)
		shares := equity * risk / (atr * atrMultiple)
		return math.Max(shares, 0)
	case SizingFixed:
		return math.Max(sizing.Param("shares", 0), 0)
	default:
		return 0
	}
}

// ApplyLimits 依次施加组合风控上限并返回裁剪后的数量：
// 持仓数已达 max_positions 直接拒单；名义市值封顶到
// equity × max_position_pct；再封顶使含新单的总敞口不超过
// equity × max_gross_exposure。
func ApplyLimits(limits strategy.Limits, qty, price, equity float64, openPositions int, grossNotional float64) float64 {
	if qty <= 0 || price <= 0 || equity <= 0 {
		return 0
	}
	if openPositions >= limits.MaxPositions {
		return 0
	}
	maxNotional := equity * limits.MaxPositionPct
	if qty*price > maxNotional {
		qty = maxNotional / price
	}
	allowed := equity*limits.MaxGrossExposure - grossNotional
	if allowed <= 0 {
		return 0
	}
	if qty*price > allowed {
		qty = allowed / price
	}
	return math.Max(qty, 0)
}
