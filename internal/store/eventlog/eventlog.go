// Package eventlog 用 Gorm + SQLite 保存模拟盘的信号与通知事件，
// 供 HTTP 接口和排障回放使用。
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Event 是一条已落库的事件。
type Event struct {
	ID        int64           `json:"id"`
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Kind      string          `json:"kind"` // entry/exit/notify
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type eventModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Strategy  string         `gorm:"column:strategy;index:idx_events_strategy"`
	Symbol    string         `gorm:"column:symbol;index:idx_events_symbol"`
	Kind      string         `gorm:"column:kind"`
	Details   datatypes.JSON `gorm:"column:details"`
	CreatedAt int64          `gorm:"column:created_at;index:idx_events_created"`
}

func (eventModel) TableName() string { return "signal_events" }

// Store 管理事件表。
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("event log 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&eventModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// WAL 下留一点并发给 HTTP 侧的只读查询
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append 写入一条事件。details 必须是合法 JSON 或为空。
func (s *Store) Append(strategyName, symbol, kind string, details any) error {
	var payload datatypes.JSON
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("序列化事件详情失败: %w", err)
		}
		payload = datatypes.JSON(raw)
	}
	rec := eventModel{
		Strategy:  strategyName,
		Symbol:    symbol,
		Kind:      kind,
		Details:   payload,
		CreatedAt: time.Now().UnixMilli(),
	}
	return s.db.Create(&rec).Error
}

// Recent 按时间倒序取某策略最近的事件；strategy 为空时不过滤。
func (s *Store) Recent(strategyName string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Model(&eventModel{}).Order("created_at DESC, id DESC").Limit(limit)
	if strategyName != "" {
		q = q.Where("strategy = ?", strategyName)
	}
	var rows []eventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, Event{
			ID:        row.ID,
			Strategy:  row.Strategy,
			Symbol:    row.Symbol,
			Kind:      row.Kind,
			Details:   json.RawMessage(row.Details),
			CreatedAt: time.UnixMilli(row.CreatedAt),
		})
	}
	return out, nil
}
