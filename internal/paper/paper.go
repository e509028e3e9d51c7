// Package paper 是模拟盘包装：周期性地在最新 K 线上重跑信号流水线，
// 把入场/退出决策变成通知和事件日志，不做任何组合模拟。
package paper

import (
	"context"
	"fmt"
	"math"
	"time"

	"quantdesk/internal/logger"
	"quantdesk/internal/market"
	"quantdesk/internal/notify"
	"quantdesk/internal/signal/pipeline"
	"quantdesk/internal/store/eventlog"
	"quantdesk/internal/strategy"
)

// Signal 是某品种最新 K 线的决策摘要。
type Signal struct {
	Symbol       string   `json:"symbol"`
	Time         int64    `json:"time"`
	Price        float64  `json:"price"`
	Entry        bool     `json:"entry"`
	ExitReasons  []string `json:"exit_reasons,omitempty"`
	TrailingStop float64  `json:"trailing_stop,omitempty"`
	HasTrailing  bool     `json:"has_trailing,omitempty"`
	Warmup       bool     `json:"warmup,omitempty"` // 特征仍在暖机期
}

// Trader 驱动一个策略的模拟盘循环。
type Trader struct {
	provider market.HistoryProvider
	strat    *strategy.Strategy
	alerts   *notify.Manager
	events   *eventlog.Store // 可为 nil
}

func NewTrader(provider market.HistoryProvider, strat *strategy.Strategy, alerts *notify.Manager, events *eventlog.Store) *Trader {
	return &Trader{provider: provider, strat: strat, alerts: alerts, events: events}
}

// RunOnce 对全部品种各取最近一段历史，只看最后一根 K 线的决策。
func (t *Trader) RunOnce(ctx context.Context) ([]Signal, error) {
	series, err := t.provider.History(ctx, t.strat.Universe, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("拉取最新行情失败: %w", err)
	}

	signals := make([]Signal, 0, len(t.strat.Universe))
	for _, symbol := range t.strat.Universe {
		bars := series[symbol]
		if len(bars) == 0 {
			logger.Warnf("模拟盘: %s 无可用行情，跳过", symbol)
			continue
		}
		records, err := pipeline.Run(symbol, bars, t.strat.Indicators, t.strat.EntryRule, t.strat.ExitRules)
		if err != nil {
			return nil, err
		}
		last := records[len(records)-1]
		sig := Signal{
			Symbol:       symbol,
			Time:         last.Time,
			Price:        bars[len(bars)-1].Close,
			Entry:        last.Entry,
			ExitReasons:  last.ExitReasons,
			TrailingStop: last.TrailingStop,
			HasTrailing:  last.HasTrailing,
		}
		for _, v := range last.Features {
			if math.IsNaN(v) {
				sig.Warmup = true
				break
			}
		}
		signals = append(signals, sig)
		t.emit(sig)
	}
	return signals, nil
}

// Loop 按策略频率周期运行，直到 ctx 取消。
func (t *Trader) Loop(ctx context.Context) error {
	interval, ok := ParseIntervalDuration(t.strat.Backtest.Frequency)
	if !ok {
		return fmt.Errorf("模拟盘不支持的频率: %s", t.strat.Backtest.Frequency)
	}
	logger.Infof("模拟盘启动: strategy=%s interval=%s", t.strat.Name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := t.RunOnce(ctx); err != nil {
		logger.Errorf("模拟盘首轮执行失败: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil {
				logger.Errorf("模拟盘执行失败: %v", err)
			}
		}
	}
}

// emit 把可执行的决策（暖机期除外）转成通知和事件。
func (t *Trader) emit(sig Signal) {
	if sig.Warmup {
		return
	}
	if len(sig.ExitReasons) > 0 {
		t.dispatch(notify.ExitAlert(t.strat.Name, sig.Symbol, sig.Price, sig.ExitReasons))
		t.record(sig, "exit")
		return
	}
	if sig.Entry {
		t.dispatch(notify.EntryAlert(t.strat.Name, sig.Symbol, sig.Price, t.strat.EntryRule))
		t.record(sig, "entry")
	}
}

func (t *Trader) dispatch(alert notify.Alert) {
	if t.alerts == nil || !t.strat.Alerts.Enabled {
		return
	}
	t.alerts.Dispatch(alert)
}

func (t *Trader) record(sig Signal, kind string) {
	if t.events == nil {
		return
	}
	if err := t.events.Append(t.strat.Name, sig.Symbol, kind, sig); err != nil {
		logger.Errorf("事件落库失败: %v", err)
	}
}
