package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CSVSource 从目录读取 <SYMBOL>.csv 形式的日线数据。
// 列格式：timestamp,open,high,low,close,volume，首行为表头。
// timestamp 接受 RFC3339 或 2006-01-02。
type CSVSource struct {
	root string
}

func NewCSVSource(root string) (*CSVSource, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("csv source 目录不能为空")
	}
	return &CSVSource{root: root}, nil
}

// History 实现 HistoryProvider。缺失的 symbol 文件返回空切片。
func (s *CSVSource) History(ctx context.Context, symbols []string, start, end int64) (map[string][]Candle, error) {
	out := make(map[string][]Candle, len(symbols))
	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		series, err := s.readSymbol(symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = ClipRange(series, start, end)
	}
	return out, nil
}

func (s *CSVSource) readSymbol(symbol string) ([]Candle, error) {
	path := filepath.Join(s.root, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	if _, err := r.Read(); err != nil { // 表头
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("读取 %s 表头失败: %w", path, err)
	}
	var list []Candle
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", path, err)
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("%s 列数不足: %v", path, rec)
		}
		ts, err := parseTimestamp(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s 时间戳非法 %q: %w", path, rec[0], err)
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s 数值非法 %q: %w", path, rec[i+1], err)
			}
			vals[i] = v
		}
		list = append(list, Candle{
			OpenTime:  ts,
			CloseTime: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	SortCandles(list)
	return list, nil
}

func parseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("无法识别的时间格式")
}
