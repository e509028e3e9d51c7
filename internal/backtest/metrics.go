package backtest

import (
	"errors"
	"math"
	"time"
)

// ErrInsufficientData 表示净值观测点不足两个，无法计算绩效。
var ErrInsufficientData = errors.New("insufficient data: metrics require at least 2 equity observations")

// EquityPoint 是净值曲线上的一个观测点。
type EquityPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// Metrics 是一次回测的绩效汇总。
type Metrics struct {
	TotalReturn    float64 `json:"total_return"`
	CAGR           float64 `json:"cagr"`
	Volatility     float64 `json:"volatility"`
	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	Calmar         float64 `json:"calmar"`
	Trades         int     `json:"trades"`
	HitRate        float64 `json:"hit_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	Expectancy     float64 `json:"expectancy"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	AvgHoldingDays float64 `json:"avg_holding_days"`
	Turnover       float64 `json:"turnover"`
	Exposure       float64 `json:"exposure"`

	MonthlyReturns map[string]float64 `json:"monthly_returns,omitempty"`
	BestMonth      float64            `json:"best_month"`
	WorstMonth     float64            `json:"worst_month"`
	BestMonthKey   string             `json:"best_month_key,omitempty"`
	WorstMonthKey  string             `json:"worst_month_key,omitempty"`
}

// annualizationFactor 把频率映射到年化系数；未知频率按日频处理。
func annualizationFactor(frequency string) float64 {
	switch frequency {
	case "1D":
		return 252
	case "1H":
		return 252 * 6.5
	default:
		return 252
	}
}

// ComputeMetrics 对净值曲线和成交列表做纯归约。
func ComputeMetrics(curve []EquityPoint, trades []TradeRecord, frequency string) (Metrics, error) {
	if len(curve) < 2 {
		return Metrics{}, ErrInsufficientData
	}
	ann := annualizationFactor(frequency)

	// 简单百分比收益；前值为零按 0 处理，不产生无穷。
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, curve[i].Value/prev-1)
	}

	m := Metrics{MonthlyReturns: map[string]float64{}}

	first, last := curve[0].Value, curve[len(curve)-1].Value
	if first != 0 {
		m.TotalReturn = last/first - 1
	}
	years := math.Max(float64(len(curve))/ann, 1e-9)
	m.CAGR = math.Pow(1+m.TotalReturn, 1/years) - 1

	meanR := mean(returns)
	annMean := meanR * ann
	m.Volatility = sampleStd(returns) * math.Sqrt(ann)
	if m.Volatility > 0 {
		m.Sharpe = annMean / m.Volatility
	}

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	downsideStd := sampleStd(downside) * math.Sqrt(ann)
	if downsideStd > 0 {
		m.Sortino = annMean / downsideStd
	}

	peak := curve[0].Value
	for _, pt := range curve {
		if pt.Value > peak {
			peak = pt.Value
		}
		if peak > 0 {
			dd := pt.Value/peak - 1
			if dd < m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}
	if m.MaxDrawdown != 0 {
		m.Calmar = annMean / math.Abs(m.MaxDrawdown)
	}

	computeTradeStats(&m, trades, first)
	computeMonthly(&m, curve, returns)
	return m, nil
}

func computeTradeStats(m *Metrics, trades []TradeRecord, initialEquity float64) {
	m.Trades = len(trades)
	if len(trades) == 0 {
		return
	}
	var wins, losses []float64
	var pnlSum, holdSum, turnover float64
	for _, tr := range trades {
		pnlSum += tr.PnL
		holdSum += tr.HoldingDays
		turnover += tr.EntryPrice * tr.Quantity
		if tr.PnL > 0 {
			wins = append(wins, tr.PnL)
		} else if tr.PnL < 0 {
			losses = append(losses, tr.PnL)
		}
	}
	m.HitRate = float64(len(wins)) / float64(len(trades))
	winSum := sum(wins)
	lossSum := math.Abs(sum(losses))
	switch {
	case lossSum > 0:
		m.ProfitFactor = winSum / lossSum
	case winSum > 0:
		m.ProfitFactor = math.Inf(1)
	}
	m.Expectancy = pnlSum / float64(len(trades))
	m.AvgWin = mean(wins)
	m.AvgLoss = mean(losses)
	m.AvgHoldingDays = holdSum / float64(len(trades))
	m.Turnover = turnover
	if initialEquity > 0 {
		m.Exposure = turnover / initialEquity
	}
}

// computeMonthly 按相邻净值对中靠后一根的自然月分组，组内复利。
func computeMonthly(m *Metrics, curve []EquityPoint, returns []float64) {
	for i, r := range returns {
		month := time.UnixMilli(curve[i+1].Time).UTC().Format("2006-01")
		if _, ok := m.MonthlyReturns[month]; !ok {
			m.MonthlyReturns[month] = 0
		}
		m.MonthlyReturns[month] = (1+m.MonthlyReturns[month])*(1+r) - 1
	}
	if len(m.MonthlyReturns) == 0 {
		return
	}
	bestVal, worstVal := math.Inf(-1), math.Inf(1)
	for month, r := range m.MonthlyReturns {
		if r > bestVal || (r == bestVal && month < m.BestMonthKey) {
			bestVal, m.BestMonthKey = r, month
		}
		if r < worstVal || (r == worstVal && month < m.WorstMonthKey) {
			worstVal, m.WorstMonthKey = r, month
		}
	}
	m.BestMonth, m.WorstMonth = bestVal, worstVal
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

// sampleStd 是 n−1 分母的样本标准差；样本数不足时返回 0。
func sampleStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mu := mean(values)
	var ss float64
	for _, v := range values {
		d := v - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}
