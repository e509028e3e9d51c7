// Package backtest 实现组合级回测：在多品种 K 线的时间戳并集上
// 顺序推进，维护现金与持仓，执行止损/移动止损/规则退出与入场，
// 并产出订单流、成交记录、净值曲线和绩效指标。
package backtest

import (
	"math"
)

// Position 是某个品种的当前多头持仓。同一品种同一时刻至多一个。
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"` // 多次加仓按成交量加权
	Stop     float64 `json:"stop,omitempty"`
	HasStop  bool    `json:"has_stop,omitempty"`
	OpenedAt int64   `json:"opened_at"`
}

// UpdateStop 抬高止损价；移动止损只升不降，低于现价的新值被忽略。
func (p *Position) UpdateStop(price float64) {
	if math.IsNaN(price) {
		return
	}
	if !p.HasStop || price > p.Stop {
		p.Stop = price
		p.HasStop = true
	}
}

// Order 是一次成交回报。
type Order struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // buy/sell
	Time     int64   `json:"time"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
	Fee      float64 `json:"fee"`
	Reason   string  `json:"reason,omitempty"`
}

// TradeRecord 是一笔完整的开平仓往返，平仓后不再变更。
type TradeRecord struct {
	Symbol      string  `json:"symbol"`
	EntryTime   int64   `json:"entry_time"`
	ExitTime    int64   `json:"exit_time"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	Quantity    float64 `json:"quantity"`
	PnL         float64 `json:"pnl"`
	Return      float64 `json:"return"` // 小数收益率，0.2 表示 +20%
	HoldingDays float64 `json:"holding_days"`
	Reason      string  `json:"reason"`
}

// Portfolio 是回测循环独占的组合状态，一次回测一个实例，不得复用。
type Portfolio struct {
	Cash      float64
	Positions map[string]*Position
}

func NewPortfolio(cash float64) *Portfolio {
	return &Portfolio{Cash: cash, Positions: make(map[string]*Position)}
}

// Buy 以给定价格买入，开新仓或给现有持仓加仓（均价按量加权）。
func (pf *Portfolio) Buy(symbol string, ts int64, price, qty, fee float64) {
	notional := price * qty
	pf.Cash -= notional + fee
	pos, ok := pf.Positions[symbol]
	if !ok {
		pf.Positions[symbol] = &Position{
			Symbol:   symbol,
			Quantity: qty,
			AvgPrice: price,
			OpenedAt: ts,
		}
		return
	}
	total := pos.Quantity + qty
	pos.AvgPrice = (pos.AvgPrice*pos.Quantity + price*qty) / total
	pos.Quantity = total
}

// Close 全部平掉某品种持仓并生成成交记录；无持仓时返回 false。
func (pf *Portfolio) Close(symbol string, ts int64, price, fee float64, reason string) (TradeRecord, bool) {
	pos, ok := pf.Positions[symbol]
	if !ok || pos.Quantity <= 0 {
		return TradeRecord{}, false
	}
	notional := price * pos.Quantity
	pf.Cash += notional - fee
	pnl := (price - pos.AvgPrice) * pos.Quantity
	ret := 0.0
	if pos.AvgPrice != 0 {
		ret = price/pos.AvgPrice - 1
	}
	trade := TradeRecord{
		Symbol:      symbol,
		EntryTime:   pos.OpenedAt,
		ExitTime:    ts,
		EntryPrice:  pos.AvgPrice,
		ExitPrice:   price,
		Quantity:    pos.Quantity,
		PnL:         pnl,
		Return:      ret,
		HoldingDays: float64(ts-pos.OpenedAt) / float64(24*60*60*1000),
		Reason:      reason,
	}
	delete(pf.Positions, symbol)
	return trade, true
}

// Equity 按当前价格表做逐日盯市。没有当日价格的品种本次不计入
// 净值（不用上一价格顶替），这是有意保留的简化口径。
func (pf *Portfolio) Equity(prices map[string]float64) float64 {
	total := pf.Cash
	for symbol, pos := range pf.Positions {
		if price, ok := prices[symbol]; ok {
			total += pos.Quantity * price
		}
	}
	return total
}

// GrossNotional 汇总持仓名义市值；缺价的品种退回持仓均价。
func (pf *Portfolio) GrossNotional(prices map[string]float64) float64 {
	total := 0.0
	for symbol, pos := range pf.Positions {
		price, ok := prices[symbol]
		if !ok {
			price = pos.AvgPrice
		}
		total += math.Abs(pos.Quantity * price)
	}
	return total
}
