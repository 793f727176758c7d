// Package config provides configuration management for the double calendar bot.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/double_calendar/internal/util"
)

const (
	defaultBaseURL           = "https://localhost:5000/v1/api"
	defaultTimezone          = "America/New_York"
	defaultCheckInterval     = "1m"
	defaultConnectRetries    = 5
	defaultRetryInterval     = 2 * time.Second
	defaultRequestsPerSecond = 8.0
	defaultMaxStrikes        = 40
	defaultSnapshotAttempts  = 5
	defaultStoragePath       = "positions.json"
	defaultDashboardPort     = 8080
)

// Delta selection modes.
const (
	DeltaModeClosest = "closest"
	DeltaModeUnder   = "under"
)

// Long leg strike modes.
const (
	LongStrikeSame  = "same"
	LongStrikeDelta = "delta"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig          `yaml:"environment"`
	Gateway     GatewayConfig              `yaml:"gateway"`
	Strategies  map[string]*StrategyConfig `yaml:"strategies"`
	Schedule    ScheduleConfig             `yaml:"schedule"`
	Ticks       util.TickTable             `yaml:"ticks"`
	Storage     StorageConfig              `yaml:"storage"`
	Dashboard   DashboardConfig            `yaml:"dashboard"`
	Journal     JournalConfig              `yaml:"journal"`
	Notify      NotifyConfig               `yaml:"notify"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // optional rotating file sink
}

// GatewayConfig defines how to reach the broker's local trading gateway.
type GatewayConfig struct {
	Provider           string  `yaml:"provider"` // ibkr | sim
	BaseURL            string  `yaml:"base_url"`
	AccountID          string  `yaml:"account_id"`
	Timeout            string  `yaml:"timeout"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	ConnectRetries     int     `yaml:"connect_retries"`
	RetryInterval      string  `yaml:"retry_interval"`
	SnapshotAttempts   int     `yaml:"snapshot_attempts"`
	InsecureSkipVerify bool    `yaml:"insecure_skip_verify"` // gateway ships a self-signed cert
}

// StrategyConfig groups the symbols traded under one order reference tag.
type StrategyConfig struct {
	Tag          string                   `yaml:"-"`
	Symbols      []string                 `yaml:"symbols"`
	AutoClose    bool                     `yaml:"auto_close"`
	Params       map[string]*SymbolParams `yaml:"params"`
	CloseSameDay bool                     `yaml:"close_same_day"`
}

// SymbolParams are the per-underlying knobs of a double calendar.
type SymbolParams struct {
	Quantity        int     `yaml:"quantity"`
	Exchange        string  `yaml:"exchange"`
	OptExchange     string  `yaml:"opt_exchange"`
	SecType         string  `yaml:"sec_type"` // IND | STK | FUT
	Multiplier      string  `yaml:"mult"`
	TradingClass    string  `yaml:"trading_class"`
	TargetPutDelta  float64 `yaml:"target_put_delta"`  // percent, 20 = 0.20
	TargetCallDelta float64 `yaml:"target_call_delta"` // percent
	DeltaMode       string  `yaml:"delta_mode"`
	ShortExpiryDays int     `yaml:"short_expiry_days"`
	LongExpiryDays  int     `yaml:"long_expiry_days"`
	LongStrike      string  `yaml:"long_strike"`
	LongPutDelta    float64 `yaml:"long_put_delta"`
	LongCallDelta   float64 `yaml:"long_call_delta"`
	PutStrikeRule   string  `yaml:"put_strike_rule"`
	CallStrikeRule  string  `yaml:"call_strike_rule"`
	PutTargetPrice  float64 `yaml:"put_target_price"`  // short put by premium instead of delta
	CallTargetPrice float64 `yaml:"call_target_price"` // short call by premium instead of delta
	ProfitTargetPct float64 `yaml:"profit_target_pct"`
	MaxStrikes      int     `yaml:"max_strikes"`
}

// ScheduleConfig defines the daily open/close times of the scheduler.
type ScheduleConfig struct {
	Timezone      string   `yaml:"timezone"`
	OpenTime      string   `yaml:"open_time"`  // HH:MM[:SS]
	CloseTime     string   `yaml:"close_time"` // HH:MM[:SS]
	CheckInterval string   `yaml:"check_interval"`
	Holidays      []string `yaml:"holidays"` // YYYY-MM-DD
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the optional status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// JournalConfig defines where trades are recorded outside the bot.
type JournalConfig struct {
	SpreadsheetID     string `yaml:"spreadsheet_id"`
	SheetName         string `yaml:"sheet_name"`
	CredentialsFile   string `yaml:"credentials_file"`
	CredentialsBase64 string `yaml:"credentials_base64"`
	CSVDir            string `yaml:"csv_dir"`
}

// NotifyConfig defines push notification settings.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	User    string `yaml:"user"`
	URL     string `yaml:"url"`
}

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped so the same command works in containers.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration after expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// filling defaults for optional fields.
func (c *Config) Validate() error {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if err := c.validateGateway(); err != nil {
		return err
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("strategies: at least one strategy is required")
	}
	for tag, s := range c.Strategies {
		if s == nil {
			return fmt.Errorf("strategies.%s is empty", tag)
		}
		s.Tag = tag
		if err := s.validate(); err != nil {
			return err
		}
	}

	if err := c.validateSchedule(); err != nil {
		return err
	}

	for sym, bands := range c.Ticks {
		for i, b := range bands {
			if b.TickSize <= 0 {
				return fmt.Errorf("ticks.%s[%d].tick_size must be > 0", sym, i)
			}
		}
	}

	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}
	if c.Journal.SpreadsheetID != "" && c.Journal.SheetName == "" {
		c.Journal.SheetName = "Trades"
	}
	if c.Notify.Enabled && (c.Notify.Token == "" || c.Notify.User == "") {
		return fmt.Errorf("notify.token and notify.user are required when notify is enabled")
	}

	return nil
}

func (c *Config) validateGateway() error {
	g := &c.Gateway
	if g.Provider == "" {
		g.Provider = "ibkr"
	}
	if g.Provider != "ibkr" && g.Provider != "sim" {
		return fmt.Errorf("gateway.provider must be 'ibkr' or 'sim'")
	}
	if g.BaseURL == "" {
		g.BaseURL = defaultBaseURL
	}
	if g.Provider == "ibkr" && g.AccountID == "" {
		return fmt.Errorf("gateway.account_id is required")
	}
	if g.Timeout != "" {
		if _, err := time.ParseDuration(g.Timeout); err != nil {
			return fmt.Errorf("gateway.timeout invalid: %w", err)
		}
	}
	if g.RetryInterval != "" {
		if _, err := time.ParseDuration(g.RetryInterval); err != nil {
			return fmt.Errorf("gateway.retry_interval invalid: %w", err)
		}
	}
	if g.ConnectRetries == 0 {
		g.ConnectRetries = defaultConnectRetries
	}
	if g.ConnectRetries < 0 {
		return fmt.Errorf("gateway.connect_retries must be > 0")
	}
	if g.RequestsPerSecond == 0 {
		g.RequestsPerSecond = defaultRequestsPerSecond
	}
	if g.RequestsPerSecond < 0 {
		return fmt.Errorf("gateway.requests_per_second must be > 0")
	}
	if g.SnapshotAttempts == 0 {
		g.SnapshotAttempts = defaultSnapshotAttempts
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("strategies.%s.symbols is required", s.Tag)
	}
	for _, sym := range s.Symbols {
		p, ok := s.Params[sym]
		if !ok || p == nil {
			return fmt.Errorf("strategies.%s.params.%s not found", s.Tag, sym)
		}
		if err := p.validate(s.Tag + ".params." + sym); err != nil {
			return err
		}
	}
	return nil
}

func (p *SymbolParams) validate(path string) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("strategies.%s.quantity must be > 0", path)
	}
	p.SecType = strings.ToUpper(p.SecType)
	switch p.SecType {
	case "":
		p.SecType = "IND"
	case "IND", "STK", "FUT":
	default:
		return fmt.Errorf("strategies.%s.sec_type must be IND, STK or FUT", path)
	}
	if p.OptExchange == "" {
		p.OptExchange = "SMART"
	}
	if p.PutTargetPrice < 0 || p.CallTargetPrice < 0 {
		return fmt.Errorf("strategies.%s.put_target_price and call_target_price must be >= 0", path)
	}
	if p.PutStrikeRule == "" && p.PutTargetPrice == 0 && (p.TargetPutDelta <= 0 || p.TargetPutDelta >= 100) {
		return fmt.Errorf("strategies.%s.target_put_delta must be between 0 and 100", path)
	}
	if p.CallStrikeRule == "" && p.CallTargetPrice == 0 && (p.TargetCallDelta <= 0 || p.TargetCallDelta >= 100) {
		return fmt.Errorf("strategies.%s.target_call_delta must be between 0 and 100", path)
	}
	if p.DeltaMode == "" {
		p.DeltaMode = DeltaModeClosest
	}
	if p.DeltaMode != DeltaModeClosest && p.DeltaMode != DeltaModeUnder {
		return fmt.Errorf("strategies.%s.delta_mode must be 'closest' or 'under'", path)
	}
	if p.ShortExpiryDays < 0 {
		return fmt.Errorf("strategies.%s.short_expiry_days must be >= 0", path)
	}
	if p.LongExpiryDays <= p.ShortExpiryDays {
		return fmt.Errorf("strategies.%s.long_expiry_days (%d) must be > short_expiry_days (%d)",
			path, p.LongExpiryDays, p.ShortExpiryDays)
	}
	if p.LongStrike == "" {
		p.LongStrike = LongStrikeSame
	}
	switch p.LongStrike {
	case LongStrikeSame:
	case LongStrikeDelta:
		if p.LongPutDelta <= 0 || p.LongPutDelta >= 100 || p.LongCallDelta <= 0 || p.LongCallDelta >= 100 {
			return fmt.Errorf("strategies.%s.long_put_delta and long_call_delta must be between 0 and 100", path)
		}
	default:
		return fmt.Errorf("strategies.%s.long_strike must be 'same' or 'delta'", path)
	}
	if p.ProfitTargetPct < 0 {
		return fmt.Errorf("strategies.%s.profit_target_pct must be >= 0", path)
	}
	if p.MaxStrikes == 0 {
		p.MaxStrikes = defaultMaxStrikes
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.CheckInterval == "" {
		c.Schedule.CheckInterval = defaultCheckInterval
	}
	if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
		return fmt.Errorf("schedule.check_interval invalid: %w", err)
	}
	for _, field := range []struct{ name, value string }{
		{"open_time", c.Schedule.OpenTime},
		{"close_time", c.Schedule.CloseTime},
	} {
		if field.value == "" {
			continue
		}
		if _, err := ParseClock(field.value); err != nil {
			return fmt.Errorf("schedule.%s invalid: %w", field.name, err)
		}
	}
	for _, h := range c.Schedule.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("schedule.holidays entry %q invalid: %w", h, err)
		}
	}
	return nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute, Second int
}

// On returns the clock's instant on the calendar day of t, in t's location.
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, c.Second, 0, t.Location())
}

// ParseClock parses HH:MM or HH:MM:SS.
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return Clock{}, fmt.Errorf("time %q must be HH:MM or HH:MM:SS", s)
}

// OpenClock returns the scheduled open time, ok=false when unset.
func (c *Config) OpenClock() (Clock, bool) {
	if c.Schedule.OpenTime == "" {
		return Clock{}, false
	}
	clk, err := ParseClock(c.Schedule.OpenTime)
	return clk, err == nil
}

// CloseClock returns the scheduled close time, ok=false when unset.
func (c *Config) CloseClock() (Clock, bool) {
	if c.Schedule.CloseTime == "" {
		return Clock{}, false
	}
	clk, err := ParseClock(c.Schedule.CloseTime)
	return clk, err == nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Strategy returns the strategy registered under tag.
func (c *Config) Strategy(tag string) (*StrategyConfig, error) {
	s, ok := c.Strategies[tag]
	if !ok {
		return nil, fmt.Errorf("strategy %q not configured", tag)
	}
	return s, nil
}

// SymbolParams returns the configuration of symbol under strategy tag.
func (c *Config) SymbolParams(tag, symbol string) (*SymbolParams, error) {
	s, err := c.Strategy(tag)
	if err != nil {
		return nil, err
	}
	p, ok := s.Params[symbol]
	if !ok || p == nil {
		return nil, fmt.Errorf("configuration parameters for symbol %s not found in strategy %s", symbol, tag)
	}
	return p, nil
}

// StrategyTags returns configured tags in stable order.
func (c *Config) StrategyTags() []string {
	tags := make([]string, 0, len(c.Strategies))
	for tag := range c.Strategies {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Location returns the schedule timezone, falling back to a fixed ET offset
// in minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// GetCheckInterval returns the configured scheduler tick.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// GatewayTimeout returns the per-request HTTP timeout.
func (c *Config) GatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// RetryInterval returns the fixed wait between connection attempts.
func (c *Config) RetryInterval() time.Duration {
	d, err := time.ParseDuration(c.Gateway.RetryInterval)
	if err != nil || d <= 0 {
		return defaultRetryInterval
	}
	return d
}

// Holidays returns the configured market holidays.
func (c *Config) Holidays() []time.Time {
	out := make([]time.Time, 0, len(c.Schedule.Holidays))
	for _, h := range c.Schedule.Holidays {
		if t, err := time.ParseInLocation("2006-01-02", h, c.Location()); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// TickTable returns the built-in tick schedules overridden by configured ones.
func (c *Config) TickTable() util.TickTable {
	return util.DefaultTickTable().Merge(c.Ticks)
}
