package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/double_calendar/internal/util"
)

const minimalYAML = `
environment:
  mode: paper
gateway:
  account_id: DU123456
strategies:
  DDC:
    symbols: [SPX]
    params:
      SPX:
        quantity: 1
        exchange: CBOE
        target_put_delta: 20
        target_call_delta: 20
        short_expiry_days: 0
        long_expiry_days: 1
schedule:
  open_time: "09:34"
  close_time: "15:50:00"
`

func TestLoad(t *testing.T) {
	t.Setenv("IBKR_ACCOUNT_ID", "DU000001")
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Gateway.AccountID != "DU000001" {
		t.Errorf("Expected account id to be expanded from env, got %q", cfg.Gateway.AccountID)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "ibkr", cfg.Gateway.Provider)
	assert.Equal(t, defaultBaseURL, cfg.Gateway.BaseURL)
	assert.Equal(t, defaultConnectRetries, cfg.Gateway.ConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval())
	assert.Equal(t, time.Minute, cfg.GetCheckInterval())
	assert.Equal(t, "positions.json", cfg.Storage.Path)
	assert.True(t, cfg.IsPaperTrading())

	p, err := cfg.SymbolParams("DDC", "SPX")
	require.NoError(t, err)
	assert.Equal(t, "IND", p.SecType)
	assert.Equal(t, "SMART", p.OptExchange)
	assert.Equal(t, DeltaModeClosest, p.DeltaMode)
	assert.Equal(t, LongStrikeSame, p.LongStrike)
	assert.Equal(t, defaultMaxStrikes, p.MaxStrikes)
	assert.Equal(t, "DDC", cfg.Strategies["DDC"].Tag)

	open, ok := cfg.OpenClock()
	require.True(t, ok)
	assert.Equal(t, Clock{Hour: 9, Minute: 34}, open)
	closeAt, ok := cfg.CloseClock()
	require.True(t, ok)
	assert.Equal(t, Clock{Hour: 15, Minute: 50}, closeAt)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "\nbogus: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidate_SymbolParams(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *SymbolParams)
		wantErr string
	}{
		{"valid", func(p *SymbolParams) {}, ""},
		{"zero quantity", func(p *SymbolParams) { p.Quantity = 0 }, "quantity must be > 0"},
		{"put delta too high", func(p *SymbolParams) { p.TargetPutDelta = 100 }, "target_put_delta"},
		{"call delta zero", func(p *SymbolParams) { p.TargetCallDelta = 0 }, "target_call_delta"},
		{"call delta skipped with rule", func(p *SymbolParams) {
			p.TargetCallDelta = 0
			p.CallStrikeRule = "ATM + 10"
		}, ""},
		{"put delta skipped with target price", func(p *SymbolParams) {
			p.TargetPutDelta = 0
			p.PutTargetPrice = 4.5
		}, ""},
		{"negative target price", func(p *SymbolParams) { p.CallTargetPrice = -1 }, "call_target_price"},
		{"negative short expiry", func(p *SymbolParams) { p.ShortExpiryDays = -1 }, "short_expiry_days"},
		{"long not after short", func(p *SymbolParams) { p.LongExpiryDays = p.ShortExpiryDays }, "long_expiry_days"},
		{"bad sec type", func(p *SymbolParams) { p.SecType = "CASH" }, "sec_type"},
		{"lowercase sec type", func(p *SymbolParams) { p.SecType = "fut" }, ""},
		{"bad delta mode", func(p *SymbolParams) { p.DeltaMode = "nearest" }, "delta_mode"},
		{"long delta missing", func(p *SymbolParams) { p.LongStrike = LongStrikeDelta }, "long_put_delta"},
		{"long delta", func(p *SymbolParams) {
			p.LongStrike = LongStrikeDelta
			p.LongPutDelta = 15
			p.LongCallDelta = 15
		}, ""},
		{"negative profit target", func(p *SymbolParams) { p.ProfitTargetPct = -5 }, "profit_target_pct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)
			p := cfg.Strategies["DDC"].Params["SPX"]
			tt.mutate(p)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Sections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "prod" }, "environment.mode"},
		{"bad provider", func(c *Config) { c.Gateway.Provider = "tradier" }, "gateway.provider"},
		{"missing account", func(c *Config) { c.Gateway.AccountID = "" }, "gateway.account_id"},
		{"sim without account", func(c *Config) {
			c.Gateway.Provider = "sim"
			c.Gateway.AccountID = ""
		}, ""},
		{"bad timeout", func(c *Config) { c.Gateway.Timeout = "ten" }, "gateway.timeout"},
		{"no strategies", func(c *Config) { c.Strategies = nil }, "at least one strategy"},
		{"symbol without params", func(c *Config) {
			c.Strategies["DDC"].Symbols = append(c.Strategies["DDC"].Symbols, "NDX")
		}, "params.NDX not found"},
		{"bad open time", func(c *Config) { c.Schedule.OpenTime = "9.34" }, "schedule.open_time"},
		{"bad holiday", func(c *Config) { c.Schedule.Holidays = []string{"12/25/2026"} }, "schedule.holidays"},
		{"bad tick", func(c *Config) {
			c.Ticks = util.TickTable{"XSP": {{TickSize: 0}}}
		}, "ticks.XSP[0].tick_size"},
		{"notify without token", func(c *Config) { c.Notify.Enabled = true }, "notify.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClock(t *testing.T) {
	clk, err := ParseClock("09:34:00")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 9, Minute: 34}, clk)

	loc := time.FixedZone("ET", -4*60*60)
	day := time.Date(2026, 10, 19, 7, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 10, 19, 9, 34, 0, 0, loc), clk.On(day))

	_, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DCAL_TEST_ACCOUNT=DU42\n"), 0o600))
	t.Setenv("DCAL_TEST_ACCOUNT", "")
	require.NoError(t, os.Unsetenv("DCAL_TEST_ACCOUNT"))

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "DU42", os.Getenv("DCAL_TEST_ACCOUNT"))

	cfg, err := Parse([]byte(strings.Replace(minimalYAML, "DU123456", "${DCAL_TEST_ACCOUNT}", 1)))
	require.NoError(t, err)
	assert.Equal(t, "DU42", cfg.Gateway.AccountID)
}

func TestHolidaysAndTickTable(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	cfg.Schedule.Holidays = []string{"2026-12-25", "not-a-date"}

	hs := cfg.Holidays()
	require.Len(t, hs, 1)
	assert.Equal(t, time.December, hs[0].Month())

	table := cfg.TickTable()
	tick, ok := table.TickSize("SPX", 2.0)
	require.True(t, ok)
	assert.InDelta(t, 0.05, tick, 1e-12)
}

func TestStrategyTagsSorted(t *testing.T) {
	cfg := &Config{Strategies: map[string]*StrategyConfig{"WDC": {}, "DDC": {}}}
	assert.Equal(t, []string{"DDC", "WDC"}, cfg.StrategyTags())

	_, err := cfg.Strategy("XYZ")
	assert.Error(t, err)
}
