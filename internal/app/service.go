package app

import (
	"context"
	"fmt"

	"quantdesk/internal/backtest"
	"quantdesk/internal/logger"
	"quantdesk/internal/market"
	"quantdesk/internal/notify"
	"quantdesk/internal/paper"
	"quantdesk/internal/store/eventlog"
	"quantdesk/internal/strategy"
)

// Service 是回测与模拟盘的应用层门面，HTTP 和 CLI 共用。
type Service struct {
	registry *strategy.Registry
	provider market.HistoryProvider
	engine   *backtest.Engine
	runs     *backtest.RunStore
	events   *eventlog.Store
	alerts   *notify.Manager
}

func NewService(registry *strategy.Registry, provider market.HistoryProvider,
	runs *backtest.RunStore, events *eventlog.Store, alerts *notify.Manager) *Service {
	return &Service{
		registry: registry,
		provider: provider,
		engine:   backtest.NewEngine(provider),
		runs:     runs,
		events:   events,
		alerts:   alerts,
	}
}

// Strategies 列出可用策略名。
func (s *Service) Strategies() []string { return s.registry.Names() }

// Strategy 按名字取策略。
func (s *Service) Strategy(name string) (*strategy.Strategy, error) {
	strat, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("策略不存在: %s", name)
	}
	return strat, nil
}

// RunBacktest 同步执行一次回测并持久化任务与结果。
func (s *Service) RunBacktest(ctx context.Context, strategyName string) (*backtest.Run, *backtest.Result, error) {
	strat, err := s.Strategy(strategyName)
	if err != nil {
		return nil, nil, err
	}
	run, err := backtest.NewRun(strat)
	if err != nil {
		return nil, nil, err
	}
	run.Status = backtest.RunStatusRunning
	if err := s.runs.SaveRun(run); err != nil {
		return nil, nil, fmt.Errorf("保存回测任务失败: %w", err)
	}

	result, err := s.engine.Run(ctx, strat)
	if err != nil {
		run.Fail(err)
		if saveErr := s.runs.SaveRun(run); saveErr != nil {
			logger.Errorf("回写失败状态失败: %v", saveErr)
		}
		return run, nil, err
	}
	run.Complete(result)
	if err := s.runs.SaveRun(run); err != nil {
		return nil, nil, fmt.Errorf("保存回测结果失败: %w", err)
	}
	if err := s.runs.SaveResult(run.ID, result); err != nil {
		return nil, nil, fmt.Errorf("保存回测明细失败: %w", err)
	}
	return run, result, nil
}

// ListRuns 代理任务列表查询。
func (s *Service) ListRuns(strategyName string, limit int) ([]backtest.RunSummary, error) {
	return s.runs.ListRuns(strategyName, limit)
}

// RunDetail 返回任务摘要和完整绩效。
func (s *Service) RunDetail(id string) (*backtest.Run, *backtest.Metrics, error) {
	return s.runs.GetRun(id)
}

// RunTrades 返回任务成交明细。
func (s *Service) RunTrades(id string) ([]backtest.TradeRecord, error) {
	return s.runs.RunTrades(id)
}

// RunEquity 返回任务净值曲线。
func (s *Service) RunEquity(id string) ([]backtest.EquityPoint, error) {
	return s.runs.RunEquity(id)
}

// RecentEvents 返回模拟盘事件。
func (s *Service) RecentEvents(strategyName string, limit int) ([]eventlog.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.Recent(strategyName, limit)
}

// PaperTrader 为一个策略构建模拟盘执行器。
func (s *Service) PaperTrader(strategyName string) (*paper.Trader, error) {
	strat, err := s.Strategy(strategyName)
	if err != nil {
		return nil, err
	}
	return paper.NewTrader(s.provider, strat, s.alerts, s.events), nil
}
