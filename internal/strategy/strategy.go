// Package strategy 定义策略文档：标的池、指标、出入场规则、仓位
// 与风控参数，以及回测窗口。策略以 YAML 文件描述，加载时先过
// JSON Schema 校验再做语义检查。
package strategy

import (
	"fmt"
	"strings"
	"time"

	"quantdesk/internal/signal/pipeline"
)

// Sizing 描述仓位策略：类型 + 参数表。
// 已知类型为 vol_target 和 fixed；未知类型不报错，开仓数量按零处理。
type Sizing struct {
	Type   string             `yaml:"type" json:"type" mapstructure:"type"`
	Params map[string]float64 `yaml:"params" json:"params" mapstructure:"params"`
}

// Param 按键取参数，缺失时返回默认值。
func (s Sizing) Param(key string, def float64) float64 {
	if v, ok := s.Params[key]; ok {
		return v
	}
	return def
}

// Limits 是组合级风控上限。
type Limits struct {
	MaxPositions     int     `yaml:"max_positions" json:"max_positions" mapstructure:"max_positions"`
	MaxPositionPct   float64 `yaml:"max_position_pct" json:"max_position_pct" mapstructure:"max_position_pct"`
	MaxGrossExposure float64 `yaml:"max_gross_exposure" json:"max_gross_exposure" mapstructure:"max_gross_exposure"`
}

// Window 是回测窗口与成交假设。
type Window struct {
	Start         string  `yaml:"start" json:"start" mapstructure:"start"`
	End           string  `yaml:"end" json:"end" mapstructure:"end"`
	Frequency     string  `yaml:"frequency" json:"frequency" mapstructure:"frequency"`
	InitialEquity float64 `yaml:"initial_equity" json:"initial_equity" mapstructure:"initial_equity"`
	SlippageBps   float64 `yaml:"slippage_bps" json:"slippage_bps" mapstructure:"slippage_bps"`
	CommissionBps float64 `yaml:"commission_bps" json:"commission_bps" mapstructure:"commission_bps"`
}

// Alerts 控制模拟盘信号通知。
type Alerts struct {
	Enabled  bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Channels []string `yaml:"channels" json:"channels" mapstructure:"channels"`
}

// Strategy 是一份完整的策略文档。
type Strategy struct {
	Name       string                   `yaml:"name" json:"name" mapstructure:"name"`
	Universe   []string                 `yaml:"universe" json:"universe" mapstructure:"universe"`
	Indicators []pipeline.IndicatorDef  `yaml:"indicators" json:"indicators" mapstructure:"indicators"`
	EntryRule  string                   `yaml:"entry_rule" json:"entry_rule" mapstructure:"entry_rule"`
	ExitRules  []string                 `yaml:"exit_rules" json:"exit_rules" mapstructure:"exit_rules"`
	Sizing     Sizing                   `yaml:"sizing" json:"sizing" mapstructure:"sizing"`
	Limits     Limits                   `yaml:"limits" json:"limits" mapstructure:"limits"`
	Backtest   Window                   `yaml:"backtest" json:"backtest" mapstructure:"backtest"`
	Alerts     Alerts                   `yaml:"alerts" json:"alerts" mapstructure:"alerts"`
}

// dateLayouts 是回测窗口接受的日期写法。
var dateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339}

func parseDate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("无法解析日期 %q", s)
}

// StartMillis 返回窗口起点的毫秒时间戳，未设置时为 0。
func (w Window) StartMillis() (int64, error) { return parseDate(w.Start) }

// EndMillis 返回窗口终点的毫秒时间戳，未设置时为 0（不设上界）。
func (w Window) EndMillis() (int64, error) { return parseDate(w.End) }

// applyDefaults 补齐未填写的字段。
func (s *Strategy) applyDefaults() {
	if s.Backtest.Frequency == "" {
		s.Backtest.Frequency = "1D"
	}
	if s.Backtest.InitialEquity <= 0 {
		s.Backtest.InitialEquity = 100000
	}
	if s.Limits.MaxPositions <= 0 {
		s.Limits.MaxPositions = 5
	}
	if s.Limits.MaxPositionPct <= 0 {
		s.Limits.MaxPositionPct = 0.2
	}
	if s.Limits.MaxGrossExposure <= 0 {
		s.Limits.MaxGrossExposure = 1.0
	}
	if strings.TrimSpace(s.EntryRule) == "" {
		s.EntryRule = "True"
	}
	if s.Sizing.Type == "" {
		s.Sizing.Type = "vol_target"
	}
}

// Validate 做 Schema 之外的语义检查。
func (s *Strategy) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("策略缺少 name")
	}
	if len(s.Universe) == 0 {
		return fmt.Errorf("策略 %s 的 universe 不能为空", s.Name)
	}
	seen := make(map[string]bool, len(s.Indicators))
	for _, def := range s.Indicators {
		if strings.TrimSpace(def.Name) == "" || strings.TrimSpace(def.Kind) == "" {
			return fmt.Errorf("策略 %s 存在缺少 name/kind 的指标定义", s.Name)
		}
		if seen[def.Name] {
			return fmt.Errorf("策略 %s 的指标名重复: %s", s.Name, def.Name)
		}
		seen[def.Name] = true
	}
	start, err := s.Backtest.StartMillis()
	if err != nil {
		return fmt.Errorf("策略 %s 回测窗口无效: %w", s.Name, err)
	}
	end, err := s.Backtest.EndMillis()
	if err != nil {
		return fmt.Errorf("策略 %s 回测窗口无效: %w", s.Name, err)
	}
	if start > 0 && end > 0 && end < start {
		return fmt.Errorf("策略 %s 回测窗口终点早于起点", s.Name)
	}
	if s.Limits.MaxPositionPct > 1 {
		return fmt.Errorf("策略 %s 的 max_position_pct 不能超过 1", s.Name)
	}
	return nil
}
