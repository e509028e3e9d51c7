package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/backtest"
	"quantdesk/internal/store/eventlog"
	"quantdesk/internal/strategy"
)

type stubService struct {
	runErr error
}

func (s *stubService) Strategies() []string { return []string{"trend-follow"} }

func (s *stubService) Strategy(name string) (*strategy.Strategy, error) {
	if name != "trend-follow" {
		return nil, fmt.Errorf("策略不存在: %s", name)
	}
	return &strategy.Strategy{Name: name, Universe: []string{"BTCUSDT"}}, nil
}

func (s *stubService) RunBacktest(_ context.Context, name string) (*backtest.Run, *backtest.Result, error) {
	if name != "trend-follow" {
		return nil, nil, fmt.Errorf("策略不存在: %s", name)
	}
	if s.runErr != nil {
		return &backtest.Run{ID: "r1", Status: backtest.RunStatusFailed}, nil, s.runErr
	}
	return &backtest.Run{ID: "r1", Strategy: name, Status: backtest.RunStatusDone},
		&backtest.Result{Strategy: name, Metrics: backtest.Metrics{TotalReturn: 0.1}}, nil
}

func (s *stubService) ListRuns(string, int) ([]backtest.RunSummary, error) {
	return []backtest.RunSummary{{Run: backtest.Run{ID: "r1"}}}, nil
}

func (s *stubService) RunDetail(id string) (*backtest.Run, *backtest.Metrics, error) {
	if id != "r1" {
		return nil, nil, fmt.Errorf("回测任务不存在: %s", id)
	}
	return &backtest.Run{ID: "r1", Strategy: "trend-follow"}, &backtest.Metrics{TotalReturn: 0.1}, nil
}

func (s *stubService) RunTrades(string) ([]backtest.TradeRecord, error) {
	return []backtest.TradeRecord{{Symbol: "BTCUSDT"}}, nil
}

func (s *stubService) RunEquity(string) ([]backtest.EquityPoint, error) {
	return []backtest.EquityPoint{{Time: 0, Value: 100000}, {Time: 1, Value: 101000}}, nil
}

func (s *stubService) RecentEvents(string, int) ([]eventlog.Event, error) {
	return []eventlog.Event{{ID: 1, Strategy: "trend-follow", Kind: "entry"}}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(":0", &stubService{})
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := do(newTestServer(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStrategiesEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, http.MethodGet, "/api/strategies", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trend-follow")

	w = do(srv, http.MethodGet, "/api/strategies/trend-follow", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/api/strategies/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBacktestEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, http.MethodPost, "/api/backtests", `{"strategy":"trend-follow"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "total_return")

	w = do(srv, http.MethodPost, "/api/backtests", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodPost, "/api/backtests", `{"strategy":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodGet, "/api/backtests/r1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/api/backtests/r1/equity", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "equity")

	w = do(srv, http.MethodGet, "/api/backtests/r1/equity?format=html", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	w = do(srv, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "entry")
}
