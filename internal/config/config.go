// Package config 加载应用配置。支持 include 列表把配置拆成多个
// YAML 文件，按声明顺序合并，后加载的覆盖先加载的。
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// SourceConfig 选择行情来源。
type SourceConfig struct {
	Type     string `mapstructure:"type"`      // csv | binance
	CSVDir   string `mapstructure:"csv_dir"`   // csv 来源的目录
	Interval string `mapstructure:"interval"`  // binance K 线周期，如 1d
	Lookback int    `mapstructure:"lookback"`  // 模拟盘每轮拉取的 K 线数
}

// HTTPConfig 控制 HTTP 服务。
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TelegramConfig 是 Telegram 通知通道配置。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// LogConfig 控制日志级别。
type LogConfig struct {
	Level string `mapstructure:"level"` // debug | info | warn | error
}

// Config 是进程级配置。
type Config struct {
	DataDir      string         `mapstructure:"data_dir"`      // 行情缓存与回测库根目录
	StrategyDir  string         `mapstructure:"strategy_dir"`  // 策略 YAML 目录
	EventLogPath string         `mapstructure:"event_log_path"`
	Source       SourceConfig   `mapstructure:"source"`
	HTTP         HTTPConfig     `mapstructure:"http"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
	Log          LogConfig      `mapstructure:"log"`
}

// Load 读取配置文件（含 include 展开）并应用默认值。
func Load(path string) (*Config, error) {
	files, err := resolveIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("读取配置文件失败 (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.StrategyDir == "" {
		c.StrategyDir = "strategies"
	}
	if c.EventLogPath == "" {
		c.EventLogPath = filepath.Join(c.DataDir, "events.db")
	}
	if c.Source.Type == "" {
		c.Source.Type = "csv"
	}
	if c.Source.CSVDir == "" {
		c.Source.CSVDir = filepath.Join(c.DataDir, "csv")
	}
	if c.Source.Interval == "" {
		c.Source.Interval = "1d"
	}
	if c.Source.Lookback <= 0 {
		c.Source.Lookback = 300
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Source.Type {
	case "csv", "binance":
	default:
		return fmt.Errorf("未知的行情来源类型: %s", c.Source.Type)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("未知的日志级别: %s", c.Log.Level)
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram 已启用但缺少 bot_token/chat_id")
	}
	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// resolveIncludes 深度优先展开 include 列表，被包含的文件先合并，
// 检测循环引用。
func resolveIncludes(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("配置文件路径不能为空")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	stack := make(map[string]bool)
	files, err := collectFiles(abs, seen, stack)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return []string{abs}, nil
	}
	return files, nil
}

func collectFiles(path string, seen, stack map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if stack[path] {
		return nil, fmt.Errorf("include 出现循环引用: %s", path)
	}
	if seen[path] {
		return nil, nil
	}
	stack[path] = true
	includes, err := parseIncludeList(path)
	if err != nil {
		return nil, fmt.Errorf("解析 include 失败 (%s): %w", path, err)
	}
	dir := filepath.Dir(path)
	var ordered []string
	for _, inc := range includes {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(inc) {
			incPath = filepath.Join(dir, inc)
		}
		sub, err := collectFiles(incPath, seen, stack)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	delete(stack, path)
	seen[path] = true
	return append(ordered, path), nil
}

func parseIncludeList(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	switch val := raw.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	case []string:
		return val, nil
	case string:
		return []string{val}, nil
	default:
		return nil, fmt.Errorf("include 必须是字符串或字符串列表")
	}
}
