// Package pipeline 把指标计算和规则求值串成逐 K 线的信号流水线。
//
// 流水线是纯函数：同一段 K 线序列 + 同一份定义，输出一定相同，
// 不携带任何跨品种或跨回测的状态。
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"quantdesk/internal/market"
	"quantdesk/internal/signal/indicator"
	"quantdesk/internal/signal/rule"
)

// IndicatorDef 描述一个要计算的指标：输出的特征名、指标类型和参数。
type IndicatorDef struct {
	Name   string           `json:"name" yaml:"name" mapstructure:"name"`
	Kind   string           `json:"kind" yaml:"kind" mapstructure:"kind"`
	Params indicator.Params `json:"params" yaml:"params" mapstructure:"params"`
}

// DecisionRecord 是某个品种在某根 K 线上的完整决策快照。
type DecisionRecord struct {
	Symbol       string             `json:"symbol"`
	Time         int64              `json:"time"` // K 线开盘时间戳（毫秒）
	Entry        bool               `json:"entry"`
	ExitReasons  []string           `json:"exit_reasons,omitempty"`
	TrailingStop float64            `json:"trailing_stop,omitempty"`
	HasTrailing  bool               `json:"has_trailing,omitempty"`
	Features     map[string]float64 `json:"features"`
}

// BuildFeatures 为整段 K 线计算全部指标，返回逐 K 线的特征行。
// 每行是 指标名 -> 该索引处的值（暖机期为 NaN）。
func BuildFeatures(bars []market.Candle, defs []IndicatorDef) ([]map[string]float64, error) {
	series := make(map[string][]float64, len(defs))
	for _, def := range defs {
		values, err := indicator.Compute(def.Kind, bars, def.Params)
		if err != nil {
			return nil, fmt.Errorf("计算指标 %s 失败: %w", def.Name, err)
		}
		series[def.Name] = values
	}

	rows := make([]map[string]float64, len(bars))
	for i := range bars {
		row := make(map[string]float64, len(defs))
		for name, values := range series {
			row[name] = values[i]
		}
		rows[i] = row
	}
	return rows, nil
}

// Run 对单个品种执行完整流水线：指标 → 规则，产出逐 K 线决策。
func Run(symbol string, bars []market.Candle, defs []IndicatorDef, entryExpr string, exitExprs []string) ([]DecisionRecord, error) {
	rows, err := BuildFeatures(bars, defs)
	if err != nil {
		return nil, err
	}

	records := make([]DecisionRecord, 0, len(bars))
	for i, bar := range bars {
		barCtx := rule.Context{
			"open":   bar.Open,
			"high":   bar.High,
			"low":    bar.Low,
			"close":  bar.Close,
			"volume": bar.Volume,
		}
		featureCtx := make(rule.Context, len(rows[i]))
		for name, v := range rows[i] {
			featureCtx[name] = v
		}
		out, err := rule.EvaluateRules(entryExpr, exitExprs, barCtx, featureCtx)
		if err != nil {
			return nil, fmt.Errorf("品种 %s 第 %d 根 K 线规则求值失败: %w", symbol, i, err)
		}
		records = append(records, DecisionRecord{
			Symbol:       symbol,
			Time:         bar.OpenTime,
			Entry:        out.Entry,
			ExitReasons:  out.ExitReasons,
			TrailingStop: out.TrailingStop,
			HasTrailing:  out.HasTrailing,
			Features:     rows[i],
		})
	}
	return records, nil
}

// RunAll 并行地对多个品种执行流水线。各品种互不依赖，任何一个出错
// 即整体失败。
func RunAll(ctx context.Context, series map[string][]market.Candle, defs []IndicatorDef, entryExpr string, exitExprs []string) (map[string][]DecisionRecord, error) {
	results := make(map[string][]DecisionRecord, len(series))
	g, _ := errgroup.WithContext(ctx)

	type keyed struct {
		symbol  string
		records []DecisionRecord
	}
	out := make(chan keyed, len(series))
	for symbol, bars := range series {
		symbol, bars := symbol, bars
		g.Go(func() error {
			records, err := Run(symbol, bars, defs, entryExpr, exitExprs)
			if err != nil {
				return err
			}
			out <- keyed{symbol: symbol, records: records}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(out)
	for item := range out {
		results[item.symbol] = item.records
	}
	return results, nil
}
