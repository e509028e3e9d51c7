package rule

import (
	"strings"
)

// trailingStopPrefix 标记一条退出规则是移动止损指令而不是布尔退出条件。
const trailingStopPrefix = "trailing_stop"

// Outcome 是规则引擎对单根 K 线的裁决。
type Outcome struct {
	Entry        bool     // 入场表达式的布尔结果
	ExitReasons  []string // 命中的退出规则原文，按规则列表顺序
	TrailingStop float64  // 最后一条 trailing_stop 指令的数值结果
	HasTrailing  bool     // 本根 K 线是否出现过 trailing_stop 指令
}

// MergeContext 合并 K 线字段和特征值；键冲突时特征值覆盖 OHLCV。
func MergeContext(bar Context, features Context) Context {
	merged := make(Context, len(bar)+len(features))
	for k, v := range bar {
		merged[k] = v
	}
	for k, v := range features {
		merged[k] = v
	}
	return merged
}

// EvaluateRules 在合并后的上下文上执行入场表达式和退出规则列表。
//
// 入场表达式为空时默认恒真。退出规则按列表顺序逐条处理：以
// trailing_stop 开头的规则剥掉前缀和外层括号后按数值表达式求值，
// 同一根 K 线出现多条时最后一条生效；其余规则按布尔求值，命中的
// 规则把原文追加到 ExitReasons（全部累积，不止第一条）。
func EvaluateRules(entryExpr string, exitExprs []string, bar Context, features Context) (Outcome, error) {
	ctx := MergeContext(bar, features)

	out := Outcome{}
	entry := strings.TrimSpace(entryExpr)
	if entry == "" {
		entry = "True"
	}
	ok, err := EvaluateBool(entry, ctx)
	if err != nil {
		return Outcome{}, err
	}
	out.Entry = ok

	for _, raw := range exitExprs {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, trailingStopPrefix) {
			inner := stripTrailingStop(text)
			v, err := EvaluateNumber(inner, ctx)
			if err != nil {
				return Outcome{}, err
			}
			out.TrailingStop = v
			out.HasTrailing = true
			continue
		}
		fired, err := EvaluateBool(text, ctx)
		if err != nil {
			return Outcome{}, err
		}
		if fired {
			out.ExitReasons = append(out.ExitReasons, raw)
		}
	}
	return out, nil
}

// stripTrailingStop 去掉 trailing_stop 前缀以及包裹的括号/空白，
// 返回内部的数值表达式文本。
func stripTrailingStop(text string) string {
	inner := strings.TrimSpace(strings.TrimPrefix(text, trailingStopPrefix))
	inner = strings.TrimSpace(strings.TrimPrefix(inner, "("))
	inner = strings.TrimSpace(strings.TrimSuffix(inner, ")"))
	return inner
}
