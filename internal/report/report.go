// Package report 把回测结果渲染成自包含的 HTML 报告（净值、回撤、
// 月度收益），以及 CSV/JSON 导出。
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"quantdesk/internal/backtest"
)

const (
	colorEquity   = "#3b82f6"
	colorDrawdown = "#f87171"
	colorMonthly  = "#34d399"
)

// WriteHTML 渲染整页报告。
func WriteHTML(w io.Writer, result *backtest.Result) error {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(equityChart(result), drawdownChart(result), monthlyChart(result))
	return page.Render(w)
}

// SaveHTML 把报告写到文件。
func SaveHTML(path string, result *backtest.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建报告文件失败: %w", err)
	}
	defer f.Close()
	return WriteHTML(f, result)
}

func equityChart(result *backtest.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: "1200px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("净值曲线 — %s", result.Strategy),
			Subtitle: fmt.Sprintf("总收益 %.2f%%  最大回撤 %.2f%%", result.Metrics.TotalReturn*100, result.Metrics.MaxDrawdown*100),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	axis, points := equitySeries(result.EquityCurve)
	line.SetXAxis(axis).AddSeries("equity", points,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity}),
	)
	return line
}

func drawdownChart(result *backtest.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: "1200px"}),
		charts.WithTitleOpts(opts.Title{Title: "回撤"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	axis := make([]string, 0, len(result.EquityCurve))
	points := make([]opts.LineData, 0, len(result.EquityCurve))
	peak := 0.0
	for _, pt := range result.EquityCurve {
		if pt.Value > peak {
			peak = pt.Value
		}
		dd := 0.0
		if peak > 0 {
			dd = (pt.Value/peak - 1) * 100
		}
		axis = append(axis, formatTS(pt.Time))
		points = append(points, opts.LineData{Value: dd})
	}
	line.SetXAxis(axis).AddSeries("drawdown %", points,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.25)}),
	)
	return line
}

func monthlyChart(result *backtest.Result) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: "1200px"}),
		charts.WithTitleOpts(opts.Title{Title: "月度收益"}),
	)
	months := make([]string, 0, len(result.Metrics.MonthlyReturns))
	for m := range result.Metrics.MonthlyReturns {
		months = append(months, m)
	}
	sort.Strings(months)
	values := make([]opts.BarData, 0, len(months))
	for _, m := range months {
		values = append(values, opts.BarData{Value: result.Metrics.MonthlyReturns[m] * 100})
	}
	bar.SetXAxis(months).AddSeries("月收益 %", values,
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorMonthly}),
	)
	return bar
}

func equitySeries(curve []backtest.EquityPoint) ([]string, []opts.LineData) {
	axis := make([]string, 0, len(curve))
	points := make([]opts.LineData, 0, len(curve))
	for _, pt := range curve {
		axis = append(axis, formatTS(pt.Time))
		points = append(points, opts.LineData{Value: pt.Value})
	}
	return axis, points
}

func formatTS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}

// WriteTradesCSV 导出成交明细。
func WriteTradesCSV(w io.Writer, trades []backtest.TradeRecord) error {
	cw := csv.NewWriter(w)
	header := []string{"symbol", "entry_time", "exit_time", "entry_price", "exit_price",
		"quantity", "pnl", "return", "holding_days", "reason"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, tr := range trades {
		row := []string{
			tr.Symbol,
			formatTS(tr.EntryTime),
			formatTS(tr.ExitTime),
			strconv.FormatFloat(tr.EntryPrice, 'f', -1, 64),
			strconv.FormatFloat(tr.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(tr.Quantity, 'f', -1, 64),
			strconv.FormatFloat(tr.PnL, 'f', -1, 64),
			strconv.FormatFloat(tr.Return, 'f', -1, 64),
			strconv.FormatFloat(tr.HoldingDays, 'f', -1, 64),
			tr.Reason,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteResultJSON 导出完整结果。
func WriteResultJSON(w io.Writer, result *backtest.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
