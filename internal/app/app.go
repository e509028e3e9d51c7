// Package app 负责应用级编排：配置 → 依赖装配 → 服务启动。
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"quantdesk/internal/config"
	"quantdesk/internal/logger"
	httpserver "quantdesk/internal/transport/http"
)

// App 持有装配完成的全部组件。
type App struct {
	cfg     *config.Config
	service *Service
	server  *httpserver.Server
	closers []func() error
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.Log.Level)
	return buildAppWithWire(context.Background(), cfg)
}

// Service 返回应用层门面。
func (a *App) Service() *Service { return a.service }

// Serve 启动 HTTP 服务（若启用）并阻塞到 ctx 取消。
func (a *App) Serve(ctx context.Context) error {
	if a.server == nil {
		return fmt.Errorf("HTTP 服务未启用")
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.server.Start(ctx)
	})
	return group.Wait()
}

// ServePaper 同时运行 HTTP 服务（若启用）和一组策略的模拟盘循环。
func (a *App) ServePaper(ctx context.Context, strategyNames []string) error {
	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			return a.server.Start(ctx)
		})
	}
	for _, name := range strategyNames {
		trader, err := a.service.PaperTrader(name)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return trader.Loop(ctx)
		})
	}
	return group.Wait()
}

// Close 逆序释放全部资源。
func (a *App) Close() {
	closeAll(a.closers)
}
