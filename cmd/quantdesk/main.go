package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"quantdesk/internal/app"
	qdcfg "quantdesk/internal/config"
	"quantdesk/internal/logger"
	"quantdesk/internal/report"
)

const usage = `用法: quantdesk <command> [flags]

命令:
  backtest  执行一次回测并导出报告
  paper     以模拟盘模式常驻运行
  serve     只启动 HTTP 服务
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfgPath := os.Getenv("QUANTDESK_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := qdcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}

	switch os.Args[1] {
	case "backtest":
		runBacktest(cfg, os.Args[2:])
	case "paper":
		runPaper(cfg, os.Args[2:])
	case "serve":
		runServe(cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runBacktest(cfg *qdcfg.Config, args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	strategyName := fs.String("strategy", "", "要回测的策略名")
	outDir := fs.String("out", "reports", "报告输出目录")
	fs.Parse(args)
	if *strategyName == "" {
		log.Fatal("必须通过 -strategy 指定策略名")
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer a.Close()

	run, result, err := a.Service().RunBacktest(context.Background(), *strategyName)
	if err != nil {
		log.Fatalf("回测失败: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("创建输出目录失败: %v", err)
	}
	htmlPath := filepath.Join(*outDir, run.ID+".html")
	if err := report.SaveHTML(htmlPath, result); err != nil {
		log.Fatalf("写 HTML 报告失败: %v", err)
	}
	csvPath := filepath.Join(*outDir, run.ID+"-trades.csv")
	if err := writeFile(csvPath, func(f *os.File) error {
		return report.WriteTradesCSV(f, result.Trades)
	}); err != nil {
		log.Fatalf("写成交明细失败: %v", err)
	}
	jsonPath := filepath.Join(*outDir, run.ID+".json")
	if err := writeFile(jsonPath, func(f *os.File) error {
		return report.WriteResultJSON(f, result)
	}); err != nil {
		log.Fatalf("写 JSON 结果失败: %v", err)
	}

	m := result.Metrics
	logger.Infof("回测 %s 完成: 总收益 %.2f%%  CAGR %.2f%%  Sharpe %.2f  最大回撤 %.2f%%  交易 %d 笔",
		run.ID, m.TotalReturn*100, m.CAGR*100, m.Sharpe, m.MaxDrawdown*100, m.Trades)
	logger.Infof("报告已写入: %s", htmlPath)
}

func runPaper(cfg *qdcfg.Config, args []string) {
	fs := flag.NewFlagSet("paper", flag.ExitOnError)
	strategyName := fs.String("strategy", "", "要运行的策略名，留空则运行全部")
	fs.Parse(args)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer a.Close()

	names := a.Service().Strategies()
	if *strategyName != "" {
		names = []string{*strategyName}
	}
	if len(names) == 0 {
		log.Fatal("策略目录为空")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.ServePaper(ctx, names); err != nil && ctx.Err() == nil {
		log.Fatalf("模拟盘运行失败: %v", err)
	}
}

func runServe(cfg *qdcfg.Config) {
	cfg.HTTP.Enabled = true
	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("HTTP 服务退出: %v", err)
	}
}

func writeFile(path string, fn func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}
