// Package httpserver 暴露策略、回测任务与模拟盘事件的 HTTP API，
// 并按需渲染 HTML 报告。
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantdesk/internal/backtest"
	"quantdesk/internal/logger"
	"quantdesk/internal/report"
	"quantdesk/internal/store/eventlog"
	"quantdesk/internal/strategy"
)

// Service 是 HTTP 层对应用层的依赖面。
type Service interface {
	Strategies() []string
	Strategy(name string) (*strategy.Strategy, error)
	RunBacktest(ctx context.Context, strategyName string) (*backtest.Run, *backtest.Result, error)
	ListRuns(strategyName string, limit int) ([]backtest.RunSummary, error)
	RunDetail(id string) (*backtest.Run, *backtest.Metrics, error)
	RunTrades(id string) ([]backtest.TradeRecord, error)
	RunEquity(id string) ([]backtest.EquityPoint, error)
	RecentEvents(strategyName string, limit int) ([]eventlog.Event, error)
}

// Server 包装 gin 路由和底层 http.Server。
type Server struct {
	addr   string
	svc    Service
	router *gin.Engine
}

func NewServer(addr string, svc Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if addr == "" {
		addr = ":8090"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, svc: svc, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.router.Group("/api")
	api.GET("/strategies", s.handleStrategies)
	api.GET("/strategies/:name", s.handleStrategyDetail)
	api.POST("/backtests", s.handleBacktestStart)
	api.GET("/backtests", s.handleBacktestList)
	api.GET("/backtests/:id", s.handleBacktestDetail)
	api.GET("/backtests/:id/trades", s.handleBacktestTrades)
	api.GET("/backtests/:id/equity", s.handleBacktestEquity)
	api.GET("/events", s.handleEvents)
}

// Start 启动服务并随 ctx 优雅退出。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP 服务监听 %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.svc.Strategies()})
}

func (s *Server) handleStrategyDetail(c *gin.Context) {
	strat, err := s.svc.Strategy(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, strat)
}

func (s *Server) handleBacktestStart(c *gin.Context) {
	var req struct {
		Strategy string `json:"strategy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("参数无效: %v", err)})
		return
	}
	run, result, err := s.svc.RunBacktest(c.Request.Context(), req.Strategy)
	if err != nil {
		status := http.StatusInternalServerError
		if run == nil {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error(), "run": run})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "metrics": result.Metrics})
}

func (s *Server) handleBacktestList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.svc.ListRuns(c.Query("strategy"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleBacktestDetail(c *gin.Context) {
	run, metrics, err := s.svc.RunDetail(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "metrics": metrics})
}

func (s *Server) handleBacktestTrades(c *gin.Context) {
	trades, err := s.svc.RunTrades(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleBacktestEquity 默认返回 JSON；format=html 时渲染图表报告。
func (s *Server) handleBacktestEquity(c *gin.Context) {
	id := c.Param("id")
	equity, err := s.svc.RunEquity(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if c.Query("format") != "html" {
		c.JSON(http.StatusOK, gin.H{"equity": equity})
		return
	}
	run, metrics, err := s.svc.RunDetail(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.svc.RunTrades(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result := &backtest.Result{
		Strategy:      run.Strategy,
		InitialEquity: run.InitialEquity,
		FinalEquity:   run.FinalEquity,
		EquityCurve:   equity,
		Trades:        trades,
	}
	if metrics != nil {
		result.Metrics = *metrics
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := report.WriteHTML(c.Writer, result); err != nil {
		logger.Errorf("渲染 HTML 报告失败: %v", err)
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.svc.RecentEvents(c.Query("strategy"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
