// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Trading  TradingConfig              `mapstructure:"trading"`
	Stream   StreamConfig               `mapstructure:"stream"`
	Breakers BreakersConfig             `mapstructure:"breakers"`
	Executor ExecutorConfig             `mapstructure:"executor"`
	Venues   map[string]VenueConfig     `mapstructure:"venues"`
	Rates    map[string]decimal.Decimal `mapstructure:"rates"` // quote code -> reference units per quote unit
	Journal  JournalConfig              `mapstructure:"journal"`
	Store    StoreConfig                `mapstructure:"store"`
	Advisor  AdvisorConfig              `mapstructure:"advisor"`
	Monitor  MonitorConfig              `mapstructure:"monitor"`
	Logging  LoggingConfig              `mapstructure:"logging"`
}

// TradingConfig holds the detection thresholds and position limits. All
// monetary fields are decimals; YAML may spell them as numbers or strings.
//
//   - MinSpreadPercent: gross spread floor, in percent. A spread exactly at
//     the floor passes.
//   - MinProfitReference: net profit floor in the reference currency. A net
//     profit exactly at the floor is rejected.
//   - MaxOrderNotional: per-order cap, in quote units of the buy leg.
//   - BalanceSafetyMargin: fraction of required balance held back, e.g. 0.05
//     demands 105% of the theoretical requirement.
type TradingConfig struct {
	MinSpreadPercent         decimal.Decimal `mapstructure:"min_spread_percent"`
	MinProfitReference       decimal.Decimal `mapstructure:"min_profit_reference"`
	ReferenceCurrency        string          `mapstructure:"reference_currency"`
	MaxOrderNotional         decimal.Decimal `mapstructure:"max_order_notional"`
	MaxPositionPerVenue      decimal.Decimal `mapstructure:"max_position_per_venue"`
	MaxTotalPosition         decimal.Decimal `mapstructure:"max_total_position"`
	DailyLossLimit           decimal.Decimal `mapstructure:"daily_loss_limit"`
	PerTradeLossLimit        decimal.Decimal `mapstructure:"per_trade_loss_limit"`
	MaxDrawdown              decimal.Decimal `mapstructure:"max_drawdown"` // fraction, 0..1
	SlippageTolerancePercent decimal.Decimal `mapstructure:"slippage_tolerance_percent"`
	BalanceSafetyMargin      decimal.Decimal `mapstructure:"balance_safety_margin"`
	MaxSnapshotAgeMS         int64           `mapstructure:"max_snapshot_age_ms"`
	MaxRetries               int             `mapstructure:"max_retries"`
	Symbols                  []string        `mapstructure:"symbols"`
}

// MaxSnapshotAge returns the staleness budget as a duration.
func (c TradingConfig) MaxSnapshotAge() time.Duration {
	return time.Duration(c.MaxSnapshotAgeMS) * time.Millisecond
}

// StreamConfig controls the order book polling loop.
type StreamConfig struct {
	PollingIntervalMS      int64 `mapstructure:"polling_interval_ms"`
	PerVenueConcurrency    int   `mapstructure:"per_venue_concurrency"`
	MaxConsecutiveFailures int   `mapstructure:"max_consecutive_failures"` // pair moves to STOPPED at this count
}

// PollingInterval returns the refresh period as a duration.
func (c StreamConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

// BreakersConfig tunes the three circuit breakers.
//
//   - Volatility: per symbol; trips when the price moves more than
//     VolatilityMaxPercent across the sliding window.
//   - Connectivity: per venue; trips after ConnectivityFailuresToTrip
//     consecutive network or auth failures.
//   - Error rate: per venue; trips when the failure ratio over the last
//     ErrorRateWindow operations exceeds ErrorRateMax, once at least
//     ErrorRateMinSamples operations were seen.
type BreakersConfig struct {
	VolatilityWindowMS         int64           `mapstructure:"volatility_window_ms"`
	VolatilityMaxPercent       decimal.Decimal `mapstructure:"volatility_max_percent"`
	ConnectivityFailuresToTrip uint32          `mapstructure:"connectivity_failures_to_trip"`
	ErrorRateWindow            int             `mapstructure:"error_rate_window"`
	ErrorRateMax               float64         `mapstructure:"error_rate_max"` // ratio of failed ops, 0..1
	ErrorRateMinSamples        int             `mapstructure:"error_rate_min_samples"`
	CooldownMS                 int64           `mapstructure:"cooldown_ms"` // OPEN -> HALF_OPEN delay
}

// VolatilityWindow returns the sliding window as a duration.
func (c BreakersConfig) VolatilityWindow() time.Duration {
	return time.Duration(c.VolatilityWindowMS) * time.Millisecond
}

// Cooldown returns how long a tripped breaker stays OPEN before probing.
func (c BreakersConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

// ExecutorConfig bounds the dual-leg execution protocol.
type ExecutorConfig struct {
	PollIntervalMS  int64 `mapstructure:"poll_interval_ms"`  // fill polling period
	TotalDeadlineMS int64 `mapstructure:"total_deadline_ms"` // whole execution budget
	NetTimeoutMS    int64 `mapstructure:"net_timeout_ms"`    // per venue call
}

// PollInterval returns the fill polling period.
func (c ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TotalDeadline returns the whole-execution budget.
func (c ExecutorConfig) TotalDeadline() time.Duration {
	return time.Duration(c.TotalDeadlineMS) * time.Millisecond
}

// NetTimeout returns the per-call network budget.
func (c ExecutorConfig) NetTimeout() time.Duration {
	return time.Duration(c.NetTimeoutMS) * time.Millisecond
}

// VenueConfig is one venue's credential bundle and overrides. An empty
// bundle leaves the venue in read-only mode: public order books work,
// trading calls fail fast.
type VenueConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	BaseURL    string          `mapstructure:"base_url"` // override; registry default when empty
	Token      string          `mapstructure:"token"`    // bearer venues
	APIKey     string          `mapstructure:"api_key"`
	APISecret  string          `mapstructure:"api_secret"`
	Passphrase string          `mapstructure:"passphrase"` // kucoin
	MakerFee   decimal.Decimal `mapstructure:"maker_fee"`  // override; registry default when zero
	TakerFee   decimal.Decimal `mapstructure:"taker_fee"`
}

// JournalConfig selects the journal sink and its mode.
// Mode is a property of the sink, not the pipeline: "live" writes rows as
// is, "paper" writes rows flagged simulated, "dry-run" logs instead of
// writing. Execution logic never branches on it.
type JournalConfig struct {
	Mode string `mapstructure:"mode"` // live | paper | dry-run
	DSN  string `mapstructure:"dsn"`  // postgres DSN; empty selects the in-memory sink
}

// StoreConfig locates the local risk ledger file.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// AdvisorConfig points at the optional maker-taker advisor service.
type AdvisorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	TimeoutMS int64  `mapstructure:"timeout_ms"`
}

// Timeout returns the advisor call budget.
func (c AdvisorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MonitorConfig controls the read-only HTTP monitor server.
type MonitorConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// knownVenues are the registry names credentials can be supplied for.
var knownVenues = []string{"nobitex", "wallex", "tabdeal", "invex", "kucoin"}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: ARB_<VENUE>_API_KEY, ARB_<VENUE>_API_SECRET,
// ARB_NOBITEX_TOKEN, ARB_KUCOIN_PASSPHRASE, ARB_JOURNAL_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

// decimalDecodeHook lets YAML spell decimal fields as numbers or strings.
// Strings are preferred in config files: they survive YAML parsing without
// any float round trip.
func decimalDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch val := data.(type) {
	case string:
		if val == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(val)
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.min_spread_percent", "0.5")
	v.SetDefault("trading.min_profit_reference", "1")
	v.SetDefault("trading.reference_currency", "USDT")
	v.SetDefault("trading.max_order_notional", "1000")
	v.SetDefault("trading.max_position_per_venue", "5000")
	v.SetDefault("trading.max_total_position", "10000")
	v.SetDefault("trading.daily_loss_limit", "100")
	v.SetDefault("trading.per_trade_loss_limit", "50")
	v.SetDefault("trading.max_drawdown", "0.1")
	v.SetDefault("trading.slippage_tolerance_percent", "0.5")
	v.SetDefault("trading.balance_safety_margin", "0.05")
	v.SetDefault("trading.max_snapshot_age_ms", 3000)
	v.SetDefault("trading.max_retries", 3)
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT"})

	v.SetDefault("stream.polling_interval_ms", 1000)
	v.SetDefault("stream.per_venue_concurrency", 4)
	v.SetDefault("stream.max_consecutive_failures", 10)

	v.SetDefault("breakers.volatility_window_ms", 60000)
	v.SetDefault("breakers.volatility_max_percent", "5")
	v.SetDefault("breakers.connectivity_failures_to_trip", 5)
	v.SetDefault("breakers.error_rate_window", 50)
	v.SetDefault("breakers.error_rate_max", 0.5)
	v.SetDefault("breakers.error_rate_min_samples", 10)
	v.SetDefault("breakers.cooldown_ms", 60000)

	v.SetDefault("executor.poll_interval_ms", 1000)
	v.SetDefault("executor.total_deadline_ms", 30000)
	v.SetDefault("executor.net_timeout_ms", 10000)

	v.SetDefault("journal.mode", "dry-run")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("advisor.enabled", false)
	v.SetDefault("advisor.timeout_ms", 500)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides copies credentials from the environment over whatever
// the YAML carried. Credentials are read once here and treated as immutable
// for the process lifetime.
func (c *Config) applyEnvOverrides() {
	if c.Venues == nil {
		c.Venues = make(map[string]VenueConfig)
	}
	for _, name := range knownVenues {
		vc := c.Venues[name]
		prefix := "ARB_" + strings.ToUpper(name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			vc.APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			vc.APISecret = secret
		}
		if token := os.Getenv(prefix + "_TOKEN"); token != "" {
			vc.Token = token
		}
		if pass := os.Getenv(prefix + "_PASSPHRASE"); pass != "" {
			vc.Passphrase = pass
		}
		c.Venues[name] = vc
	}
	if dsn := os.Getenv("ARB_JOURNAL_DSN"); dsn != "" {
		c.Journal.DSN = dsn
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.MinSpreadPercent.IsNegative() {
		return fmt.Errorf("trading.min_spread_percent must be >= 0")
	}
	if c.Trading.MinProfitReference.IsNegative() {
		return fmt.Errorf("trading.min_profit_reference must be >= 0")
	}
	if !c.Trading.MaxOrderNotional.IsPositive() {
		return fmt.Errorf("trading.max_order_notional must be > 0")
	}
	if !c.Trading.MaxPositionPerVenue.IsPositive() {
		return fmt.Errorf("trading.max_position_per_venue must be > 0")
	}
	if !c.Trading.MaxTotalPosition.IsPositive() {
		return fmt.Errorf("trading.max_total_position must be > 0")
	}
	if c.Trading.MaxDrawdown.IsNegative() || c.Trading.MaxDrawdown.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.max_drawdown must be within [0, 1]")
	}
	if c.Trading.BalanceSafetyMargin.IsNegative() {
		return fmt.Errorf("trading.balance_safety_margin must be >= 0")
	}
	if c.Trading.MaxSnapshotAgeMS <= 0 {
		return fmt.Errorf("trading.max_snapshot_age_ms must be > 0")
	}
	if c.Trading.MaxRetries < 0 {
		return fmt.Errorf("trading.max_retries must be >= 0")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one symbol")
	}
	if c.Stream.PollingIntervalMS < 100 {
		return fmt.Errorf("stream.polling_interval_ms must be >= 100")
	}
	if c.Stream.PerVenueConcurrency <= 0 {
		return fmt.Errorf("stream.per_venue_concurrency must be > 0")
	}
	if c.Stream.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("stream.max_consecutive_failures must be > 0")
	}
	if c.Breakers.VolatilityWindowMS <= 0 {
		return fmt.Errorf("breakers.volatility_window_ms must be > 0")
	}
	if !c.Breakers.VolatilityMaxPercent.IsPositive() {
		return fmt.Errorf("breakers.volatility_max_percent must be > 0")
	}
	if c.Breakers.ConnectivityFailuresToTrip == 0 {
		return fmt.Errorf("breakers.connectivity_failures_to_trip must be > 0")
	}
	if c.Breakers.ErrorRateMax <= 0 || c.Breakers.ErrorRateMax > 1 {
		return fmt.Errorf("breakers.error_rate_max must be within (0, 1]")
	}
	if c.Breakers.ErrorRateWindow < c.Breakers.ErrorRateMinSamples {
		return fmt.Errorf("breakers.error_rate_window must be >= breakers.error_rate_min_samples")
	}
	if c.Executor.PollIntervalMS <= 0 {
		return fmt.Errorf("executor.poll_interval_ms must be > 0")
	}
	if c.Executor.TotalDeadlineMS <= c.Executor.PollIntervalMS {
		return fmt.Errorf("executor.total_deadline_ms must exceed executor.poll_interval_ms")
	}
	if c.Executor.NetTimeoutMS <= 0 {
		return fmt.Errorf("executor.net_timeout_ms must be > 0")
	}
	switch c.Journal.Mode {
	case "live", "paper", "dry-run":
	default:
		return fmt.Errorf("journal.mode must be one of: live, paper, dry-run")
	}
	if c.Journal.Mode == "live" && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required when journal.mode is live (set ARB_JOURNAL_DSN)")
	}
	if c.Advisor.Enabled && c.Advisor.Endpoint == "" {
		return fmt.Errorf("advisor.endpoint is required when advisor.enabled")
	}
	if c.Monitor.Enabled && (c.Monitor.Port < 1 || c.Monitor.Port > 65535) {
		return fmt.Errorf("monitor.port must be within [1, 65535]")
	}
	return nil
}
