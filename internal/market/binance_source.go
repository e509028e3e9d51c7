package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
)

const maxKlineLimit = 1000

// BinanceSource 基于 go-binance SDK 拉取现货 K 线。
type BinanceSource struct {
	client   *binance.Client
	interval string
}

func NewBinanceSource(baseURL, interval string) *BinanceSource {
	client := binance.NewClient("", "")
	if strings.TrimSpace(baseURL) != "" {
		client.BaseURL = strings.TrimSpace(baseURL)
	}
	if strings.TrimSpace(interval) == "" {
		interval = "1d"
	}
	return &BinanceSource{client: client, interval: strings.ToLower(interval)}
}

func (s *BinanceSource) Name() string { return "binance" }

// Fetch 实现 RemoteSource，分页拉取 [Start,End] 的 K 线。
func (s *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]Candle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		interval = s.interval
	}
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	var out []Candle
	cursor := req.Start
	for {
		svc := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if cursor > 0 {
			svc = svc.StartTime(cursor)
		}
		if req.End > 0 {
			svc = svc.EndTime(req.End)
		}
		kls, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
		}
		if len(kls) == 0 {
			break
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, Candle{
				OpenTime:  kl.OpenTime,
				CloseTime: kl.CloseTime,
				Open:      parseFloat(kl.Open),
				High:      parseFloat(kl.High),
				Low:       parseFloat(kl.Low),
				Close:     parseFloat(kl.Close),
				Volume:    parseFloat(kl.Volume),
				Trades:    kl.TradeNum,
			})
		}
		last := kls[len(kls)-1]
		next := last.CloseTime + 1
		if next <= cursor || len(kls) < limit {
			break
		}
		cursor = next
		if req.End > 0 && cursor > req.End {
			break
		}
	}
	return dropUnclosed(out), nil
}

// dropUnclosed 去掉尚未收盘的最后一根 K 线。
func dropUnclosed(list []Candle) []Candle {
	if len(list) == 0 {
		return list
	}
	last := list[len(list)-1]
	if last.CloseTime > time.Now().UnixMilli() {
		return list[:len(list)-1]
	}
	return list
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}
