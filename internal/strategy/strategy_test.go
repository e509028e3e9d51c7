package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStrategy = `
name: trend-follow
universe: [BTCUSDT, ETHUSDT]
indicators:
  - name: sma20
    kind: sma
    params: {window: 20}
  - name: atr14
    kind: atr
    params: {window: 14}
entry_rule: "close > sma20"
exit_rules:
  - "close < sma20"
  - "trailing_stop(high - 2*atr14)"
sizing:
  type: vol_target
  params: {risk_per_trade: 0.01, atr_multiple: 2}
limits:
  max_positions: 3
  max_position_pct: 0.25
  max_gross_exposure: 1.0
backtest:
  start: "2024-01-01"
  end: "2024-06-30"
  frequency: 1D
  initial_equity: 100000
`

func writeStrategy(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSampleStrategy(t *testing.T) {
	path := writeStrategy(t, t.TempDir(), "trend.yaml", sampleStrategy)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trend-follow", s.Name)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Universe)
	require.Len(t, s.Indicators, 2)
	assert.Equal(t, "sma", s.Indicators[0].Kind)
	assert.Equal(t, 20.0, s.Indicators[0].Params["window"])
	assert.Equal(t, "vol_target", s.Sizing.Type)
	assert.Equal(t, 0.01, s.Sizing.Param("risk_per_trade", 0))
	assert.Equal(t, 3, s.Limits.MaxPositions)
	assert.Equal(t, 100000.0, s.Backtest.InitialEquity)

	start, err := s.Backtest.StartMillis()
	require.NoError(t, err)
	end, err := s.Backtest.EndMillis()
	require.NoError(t, err)
	assert.Positive(t, start)
	assert.Greater(t, end, start)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeStrategy(t, t.TempDir(), "min.yaml", "name: minimal\nuniverse: [BTCUSDT]\n")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1D", s.Backtest.Frequency)
	assert.Equal(t, 100000.0, s.Backtest.InitialEquity)
	assert.Equal(t, "True", s.EntryRule)
	assert.Equal(t, 5, s.Limits.MaxPositions)
	assert.Equal(t, 0.2, s.Limits.MaxPositionPct)
	assert.Equal(t, 1.0, s.Limits.MaxGrossExposure)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()

	// universe 为空
	_, err := Load(writeStrategy(t, dir, "a.yaml", "name: bad\nuniverse: []\n"))
	assert.Error(t, err)

	// 指标缺 kind
	_, err = Load(writeStrategy(t, dir, "b.yaml", `
name: bad
universe: [BTCUSDT]
indicators:
  - name: sma20
`))
	assert.Error(t, err)
}

func TestValidateSemanticChecks(t *testing.T) {
	s := &Strategy{Name: "x", Universe: []string{"BTCUSDT"}}
	s.applyDefaults()
	require.NoError(t, s.Validate())

	s.Backtest.Start = "2024-06-01"
	s.Backtest.End = "2024-01-01"
	assert.Error(t, s.Validate())

	s.Backtest.End = "2024-12-31"
	require.NoError(t, s.Validate())

	s.Limits.MaxPositionPct = 1.5
	assert.Error(t, s.Validate())
}

func TestRegistryLoadsAndSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "good.yaml", sampleStrategy)
	writeStrategy(t, dir, "broken.yaml", "universe: {not: a-list}\n")
	writeStrategy(t, dir, "notes.txt", "ignored")

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"trend-follow"}, r.Names())
	s, ok := r.Get("trend-follow")
	require.True(t, ok)
	assert.Equal(t, "close > sma20", s.EntryRule)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}
