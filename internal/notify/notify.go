// Package notify 把模拟盘信号推送到配置的通知通道。
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/logger"
)

// Severity 是告警级别。
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Alert 是一条离散的信号通知。
type Alert struct {
	Title    string
	Message  string
	Severity Severity
	Time     time.Time
}

// Channel 是最小的通道抽象，方便彼此独立地扩展实现。
type Channel interface {
	Name() string
	Send(alert Alert) error
}

// Manager 把一条告警广播给全部通道；单个通道失败只记日志。
type Manager struct {
	channels []Channel
}

func NewManager(channels ...Channel) *Manager {
	return &Manager{channels: channels}
}

func (m *Manager) Dispatch(alert Alert) {
	if alert.Time.IsZero() {
		alert.Time = time.Now()
	}
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			logger.Errorf("通知发送失败 (%s): %v", ch.Name(), err)
		}
	}
}

// Console 把告警打到日志，作为兜底通道始终可用。
type Console struct{}

func (Console) Name() string { return "console" }

func (Console) Send(alert Alert) error {
	logger.Infof("[%s] %s: %s", alert.Severity, alert.Title, alert.Message)
	return nil
}

// FormatPrice 用十进制裁剪价格，避免浮点长尾出现在推送文本里。
func FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).Round(6).String()
}

// EntryAlert 渲染一条入场信号。
func EntryAlert(strategyName, symbol string, price float64, reasonExpr string) Alert {
	var b strings.Builder
	fmt.Fprintf(&b, "策略 %s 触发入场信号\n", strategyName)
	fmt.Fprintf(&b, "品种: %s\n", symbol)
	fmt.Fprintf(&b, "最新价: %s\n", FormatPrice(price))
	if reasonExpr != "" {
		fmt.Fprintf(&b, "规则: %s", reasonExpr)
	}
	return Alert{
		Title:    fmt.Sprintf("入场信号 %s", symbol),
		Message:  strings.TrimSpace(b.String()),
		Severity: SeverityInfo,
	}
}

// ExitAlert 渲染一条退出信号。
func ExitAlert(strategyName, symbol string, price float64, reasons []string) Alert {
	var b strings.Builder
	fmt.Fprintf(&b, "策略 %s 触发退出信号\n", strategyName)
	fmt.Fprintf(&b, "品种: %s\n", symbol)
	fmt.Fprintf(&b, "最新价: %s\n", FormatPrice(price))
	if len(reasons) > 0 {
		fmt.Fprintf(&b, "命中规则: %s", strings.Join(reasons, ", "))
	}
	return Alert{
		Title:    fmt.Sprintf("退出信号 %s", symbol),
		Message:  strings.TrimSpace(b.String()),
		Severity: SeverityWarning,
	}
}
