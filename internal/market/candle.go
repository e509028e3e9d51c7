package market

import (
	"sort"
	"time"
)

// Candle 表示单根 OHLCV K 线，时间戳为 Unix 毫秒。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Time 返回开盘时间对应的 time.Time。
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime)
}

// SortCandles 按 OpenTime 升序排序（原地）。
func SortCandles(list []Candle) {
	sort.Slice(list, func(i, j int) bool { return list[i].OpenTime < list[j].OpenTime })
}

// ClipRange 返回 [start,end] 闭区间内的 K 线；start/end 为 0 时表示不限制。
func ClipRange(list []Candle, start, end int64) []Candle {
	out := make([]Candle, 0, len(list))
	for _, c := range list {
		if start > 0 && c.OpenTime < start {
			continue
		}
		if end > 0 && c.OpenTime > end {
			continue
		}
		out = append(out, c)
	}
	return out
}
