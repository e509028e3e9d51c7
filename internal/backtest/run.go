package backtest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/strategy"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// Run 表示一次回测任务及其结果摘要。
type Run struct {
	ID            string    `json:"id"`
	Strategy      string    `json:"strategy"`
	Status        string    `json:"status"`
	StartTS       int64     `json:"start_ts"`
	EndTS         int64     `json:"end_ts"`
	Frequency     string    `json:"frequency"`
	InitialEquity float64   `json:"initial_equity"`
	FinalEquity   float64   `json:"final_equity"`
	TotalReturn   float64   `json:"total_return"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	Sharpe        float64   `json:"sharpe"`
	Trades        int       `json:"trades"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// NewRun 为一个策略创建待执行的回测任务。
func NewRun(strat *strategy.Strategy) (*Run, error) {
	start, err := strat.Backtest.StartMillis()
	if err != nil {
		return nil, err
	}
	end, err := strat.Backtest.EndMillis()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Run{
		ID:            uuid.NewString(),
		Strategy:      strat.Name,
		Status:        RunStatusPending,
		StartTS:       start,
		EndTS:         end,
		Frequency:     strat.Backtest.Frequency,
		InitialEquity: strat.Backtest.InitialEquity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Complete 把回测结果写回任务摘要。
func (r *Run) Complete(result *Result) {
	now := time.Now()
	r.Status = RunStatusDone
	r.FinalEquity = result.FinalEquity
	r.TotalReturn = result.Metrics.TotalReturn
	r.MaxDrawdown = result.Metrics.MaxDrawdown
	r.Sharpe = result.Metrics.Sharpe
	r.Trades = len(result.Trades)
	r.UpdatedAt = now
	r.CompletedAt = now
}

// Fail 标记任务失败并记录原因。
func (r *Run) Fail(err error) {
	r.Status = RunStatusFailed
	if err != nil {
		r.Message = err.Error()
	}
	r.UpdatedAt = time.Now()
}

// MarshalStats 返回绩效指标的 JSON。
func MarshalStats(m Metrics) ([]byte, error) {
	return json.Marshal(m)
}
