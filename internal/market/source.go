package market

import "context"

// HistoryProvider 为回测/模拟盘提供按 symbol 聚合的历史 K 线。
// 约定：无数据的 symbol 返回空切片而不是错误；每个序列按 OpenTime 升序。
type HistoryProvider interface {
	History(ctx context.Context, symbols []string, start, end int64) (map[string][]Candle, error)
}

// FetchRequest 描述一次远端 K 线请求。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms（0 表示不限制）
	Limit    int
}

// RemoteSource 统一不同交易所数据源的拉取行为。
type RemoteSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]Candle, error)
	Name() string
}
