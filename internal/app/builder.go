package app

import (
	"context"
	"fmt"
	"path/filepath"

	"quantdesk/internal/backtest"
	"quantdesk/internal/config"
	"quantdesk/internal/logger"
	"quantdesk/internal/market"
	"quantdesk/internal/notify"
	"quantdesk/internal/store/eventlog"
	"quantdesk/internal/strategy"
	httpserver "quantdesk/internal/transport/http"
)

// AppBuilder 按配置逐层装配依赖。
type AppBuilder struct {
	cfg *config.Config
}

func NewAppBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 完成全部装配，返回可运行的 App。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	provider, closers, err := b.buildProvider()
	if err != nil {
		return nil, err
	}

	registry, err := strategy.NewRegistry(cfg.StrategyDir)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("初始化策略目录失败: %w", err)
	}
	closers = append(closers, registry.Close)

	runs, err := backtest.NewRunStore(cfg.DataDir)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("初始化回测库失败: %w", err)
	}
	closers = append(closers, runs.Close)

	events, err := eventlog.New(cfg.EventLogPath)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("初始化事件日志失败: %w", err)
	}
	closers = append(closers, events.Close)

	alerts := b.buildAlerts()
	service := NewService(registry, provider, runs, events, alerts)

	var server *httpserver.Server
	if cfg.HTTP.Enabled {
		server, err = httpserver.NewServer(cfg.HTTP.Addr, service)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
	}

	return &App{
		cfg:     cfg,
		service: service,
		server:  server,
		closers: closers,
	}, nil
}

// buildProvider 按来源类型组装行情提供者。binance 来源套一层
// sqlite 缓存，避免重复拉取。
func (b *AppBuilder) buildProvider() (market.HistoryProvider, []func() error, error) {
	cfg := b.cfg
	switch cfg.Source.Type {
	case "csv":
		src, err := market.NewCSVSource(cfg.Source.CSVDir)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化 CSV 行情源失败: %w", err)
		}
		return src, nil, nil
	case "binance":
		store, err := market.NewStore(filepath.Join(cfg.DataDir, "candles"))
		if err != nil {
			return nil, nil, fmt.Errorf("初始化行情缓存失败: %w", err)
		}
		remote := market.NewBinanceSource("", cfg.Source.Interval)
		provider := market.NewCachedProvider(store, remote)
		return provider, []func() error{store.Close}, nil
	default:
		return nil, nil, fmt.Errorf("未知的行情来源类型: %s", cfg.Source.Type)
	}
}

func (b *AppBuilder) buildAlerts() *notify.Manager {
	channels := []notify.Channel{notify.Console{}}
	if b.cfg.Telegram.Enabled {
		channels = append(channels, notify.NewTelegram(b.cfg.Telegram.BotToken, b.cfg.Telegram.ChatID))
	}
	return notify.NewManager(channels...)
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warnf("关闭依赖失败: %v", err)
		}
	}
}
