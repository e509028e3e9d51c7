package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"quantdesk/internal/logger"
	"quantdesk/internal/market"
	"quantdesk/internal/signal/pipeline"
	"quantdesk/internal/strategy"
)

// atrKeys 是入场时查找 ATR 类特征的键名偏好顺序。
var atrKeys = []string{"atr14", "atr", "atr_14"}

// Result 是一次完整回测的产出。
type Result struct {
	Strategy      string        `json:"strategy"`
	InitialEquity float64       `json:"initial_equity"`
	FinalEquity   float64       `json:"final_equity"`
	EquityCurve   []EquityPoint `json:"equity_curve"`
	Trades        []TradeRecord `json:"trades"`
	Orders        []Order       `json:"orders"`
	Metrics       Metrics       `json:"metrics"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// Engine 驱动回测。指标/规则按品种并行计算；
// 组合模拟必须在合并时间轴上严格串行，风控是组合级的。
type Engine struct {
	provider market.HistoryProvider
}

func NewEngine(provider market.HistoryProvider) *Engine {
	return &Engine{provider: provider}
}

// Run 拉取行情、执行信号流水线并完成组合模拟。
func (e *Engine) Run(ctx context.Context, strat *strategy.Strategy) (*Result, error) {
	start, err := strat.Backtest.StartMillis()
	if err != nil {
		return nil, err
	}
	end, err := strat.Backtest.EndMillis()
	if err != nil {
		return nil, err
	}
	series, err := e.provider.History(ctx, strat.Universe, start, end)
	if err != nil {
		return nil, fmt.Errorf("拉取历史行情失败: %w", err)
	}
	return Simulate(ctx, strat, series)
}

// Simulate 在给定行情上执行一次回测。series 的每个序列必须按时间升序。
func Simulate(ctx context.Context, strat *strategy.Strategy, series map[string][]market.Candle) (*Result, error) {
	startedAt := time.Now()
	start, err := strat.Backtest.StartMillis()
	if err != nil {
		return nil, err
	}
	end, err := strat.Backtest.EndMillis()
	if err != nil {
		return nil, err
	}
	clipped := make(map[string][]market.Candle, len(series))
	for symbol, bars := range series {
		clipped[symbol] = market.ClipRange(bars, start, end)
	}

	decisions, err := pipeline.RunAll(ctx, clipped, strat.Indicators, strat.EntryRule, strat.ExitRules)
	if err != nil {
		return nil, err
	}

	// 每个品种预建 时间戳 -> K 线下标 的索引，避免逐根线性扫描。
	indexes := make(map[string]map[int64]int, len(clipped))
	tsSet := make(map[int64]bool)
	for symbol, bars := range clipped {
		idx := make(map[int64]int, len(bars))
		for i, bar := range bars {
			idx[bar.OpenTime] = i
			tsSet[bar.OpenTime] = true
		}
		indexes[symbol] = idx
	}
	timeline := make([]int64, 0, len(tsSet))
	for ts := range tsSet {
		timeline = append(timeline, ts)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i] < timeline[j] })

	symbols := make([]string, 0, len(clipped))
	for symbol := range clipped {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	slip := strat.Backtest.SlippageBps / 1e4
	feeRate := strat.Backtest.CommissionBps / 1e4
	atrMultiple := strat.Sizing.Param("atr_multiple", 2)

	pf := NewPortfolio(strat.Backtest.InitialEquity)
	result := &Result{
		Strategy:      strat.Name,
		InitialEquity: strat.Backtest.InitialEquity,
		StartedAt:     startedAt,
	}

	for _, ts := range timeline {
		prices := make(map[string]float64, len(symbols))
		for _, symbol := range symbols {
			if i, ok := indexes[symbol][ts]; ok {
				prices[symbol] = clipped[symbol][i].Close
			}
		}
		equity := pf.Equity(prices)
		result.EquityCurve = append(result.EquityCurve, EquityPoint{Time: ts, Value: equity})

		for _, symbol := range symbols {
			i, ok := indexes[symbol][ts]
			if !ok {
				continue
			}
			bar := clipped[symbol][i]
			record := decisions[symbol][i]
			if hasNaNFeature(record.Features) {
				continue
			}

			if pos, open := pf.Positions[symbol]; open {
				// 先查硬止损：触发即以止损价离场，本根 K 线不再处理该品种。
				if pos.HasStop && bar.Low <= pos.Stop {
					closeOut(pf, result, symbol, ts, pos.Stop, slip, feeRate, "stop")
					continue
				}
				if record.HasTrailing {
					pos.UpdateStop(record.TrailingStop)
				}
				if len(record.ExitReasons) > 0 {
					closeOut(pf, result, symbol, ts, bar.Close, slip, feeRate, strings.Join(record.ExitReasons, ","))
				}
				// 持仓期间不评估入场
				continue
			}

			if !record.Entry {
				continue
			}
			atr, ok := atrFeature(record.Features)
			if !ok {
				// 没有可用的 ATR 特征就无法定止损，放弃这次入场
				continue
			}
			qty := SizeOrder(strat.Sizing, equity, bar.Close, atr)
			qty = ApplyLimits(strat.Limits, qty, bar.Close, equity, len(pf.Positions), pf.GrossNotional(prices))
			if qty <= 0 {
				continue
			}
			fill := bar.Close * (1 + slip)
			fee := fill * qty * feeRate
			pf.Buy(symbol, ts, fill, qty, fee)
			pf.Positions[symbol].UpdateStop(fill - atr*atrMultiple)
			result.Orders = append(result.Orders, Order{
				Symbol:   symbol,
				Side:     "buy",
				Time:     ts,
				Price:    fill,
				Quantity: qty,
				Notional: fill * qty,
				Fee:      fee,
				Reason:   "entry",
			})
		}
	}

	// 收尾：未平仓位保留在组合里，只体现在最后一个净值点上

	metrics, err := ComputeMetrics(result.EquityCurve, result.Trades, strat.Backtest.Frequency)
	if err != nil {
		return nil, err
	}
	result.Metrics = metrics
	if n := len(result.EquityCurve); n > 0 {
		result.FinalEquity = result.EquityCurve[n-1].Value
	}
	result.FinishedAt = time.Now()
	logger.Infof("回测完成: strategy=%s bars=%d trades=%d return=%.2f%%",
		strat.Name, len(timeline), len(result.Trades), metrics.TotalReturn*100)
	return result, nil
}

func closeOut(pf *Portfolio, result *Result, symbol string, ts int64, price, slip, feeRate float64, reason string) {
	fill := price * (1 - slip)
	pos := pf.Positions[symbol]
	fee := fill * pos.Quantity * feeRate
	trade, ok := pf.Close(symbol, ts, fill, fee, reason)
	if !ok {
		return
	}
	result.Trades = append(result.Trades, trade)
	result.Orders = append(result.Orders, Order{
		Symbol:   symbol,
		Side:     "sell",
		Time:     ts,
		Price:    fill,
		Quantity: trade.Quantity,
		Notional: fill * trade.Quantity,
		Fee:      fee,
		Reason:   reason,
	})
}

func hasNaNFeature(features map[string]float64) bool {
	for _, v := range features {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// atrFeature 按 atr14 > atr > atr_14 的偏好顺序取第一个有定义的 ATR
// 特征；取到后若不为正则直接拒绝，不再回退到后续键。
func atrFeature(features map[string]float64) (float64, bool) {
	for _, key := range atrKeys {
		v, ok := features[key]
		if !ok || math.IsNaN(v) {
			continue
		}
		if v <= 0 {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

