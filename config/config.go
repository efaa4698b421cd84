// Package config loads the runtime configuration from a yaml file, with
// environment variables overriding endpoint URLs. Decimal-valued fields are
// declared as strings in yaml and parsed here, so precision never leaks.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/launchpilot/internal/domain"
)

// defaults applied when the yaml omits a field
const (
	defaultDataDir            = "data"
	defaultSnapshotDebounce   = 2 * time.Second
	defaultBidTickInterval    = 5 * time.Second
	defaultExitTickInterval   = 10 * time.Second
	defaultTradeTickInterval  = 15 * time.Second
	defaultPriceInterval      = 10 * time.Second
	defaultPriceWindow        = 6 * time.Hour
	defaultBridgeInterval     = 30 * time.Second
	defaultCommitWindowBlocks = 10
)

// Config is the fully parsed runtime configuration.
type Config struct {
	Wallet     common.Address
	QuoteToken common.Address

	LaunchpadURL  string
	AggregatorURL string
	ChainRPCURL   string
	WebhookURL    string

	DataDir          string
	SnapshotDebounce time.Duration

	BidTickInterval    time.Duration
	ExitTickInterval   time.Duration
	TradeTickInterval  time.Duration
	PriceInterval      time.Duration
	PriceWindow        time.Duration
	BridgeInterval     time.Duration
	CommitWindowBlocks uint64
	MaxTradeNotional   decimal.Decimal

	Bids       []BidConfig
	Strategies []StrategyConfig
}

type configTmp struct {
	Wallet     string `yaml:"wallet"`
	QuoteToken string `yaml:"quote_token"`

	LaunchpadURL  string `yaml:"launchpad_url"`
	AggregatorURL string `yaml:"aggregator_url"`
	ChainRPCURL   string `yaml:"chain_rpc_url"`
	WebhookURL    string `yaml:"webhook_url,omitempty"`

	DataDir          string        `yaml:"data_dir,omitempty"`
	SnapshotDebounce time.Duration `yaml:"snapshot_debounce,omitempty"`

	BidTickInterval    time.Duration `yaml:"bid_tick_interval,omitempty"`
	ExitTickInterval   time.Duration `yaml:"exit_tick_interval,omitempty"`
	TradeTickInterval  time.Duration `yaml:"trade_tick_interval,omitempty"`
	PriceInterval      time.Duration `yaml:"price_interval,omitempty"`
	PriceWindow        time.Duration `yaml:"price_window,omitempty"`
	BridgeInterval     time.Duration `yaml:"bridge_interval,omitempty"`
	CommitWindowBlocks uint64        `yaml:"commit_window_blocks,omitempty"`
	MaxTradeNotional   string        `yaml:"max_trade_notional,omitempty"`

	Bids       []BidConfig      `yaml:"bids,omitempty"`
	Strategies []StrategyConfig `yaml:"strategies,omitempty"`
}

// BidConfig declares one auction bid in yaml form.
type BidConfig struct {
	Auction      string      `yaml:"auction"`
	Token        string      `yaml:"token"`
	Amount       string      `yaml:"amount"`
	MaxValuation string      `yaml:"max_valuation"`
	MinValuation string      `yaml:"min_valuation,omitempty"`
	Exit         *ExitConfig `yaml:"exit,omitempty"`
}

// ExitConfig declares the liquidation plan attached to a bid.
type ExitConfig struct {
	Tranches         []TrancheConfig `yaml:"tranches,omitempty"`
	StopLossMultiple string          `yaml:"stop_loss_multiple,omitempty"`
}

// TrancheConfig declares one exit tranche.
type TrancheConfig struct {
	Percent         string `yaml:"percent"`
	TriggerMultiple string `yaml:"trigger_multiple"`
}

// StrategyConfig declares one trading strategy in yaml form. Exactly one of
// the kind-specific blocks must be present.
type StrategyConfig struct {
	Kind  string `yaml:"kind"`
	Token string `yaml:"token"`

	StopLossPercent    string `yaml:"stop_loss_percent,omitempty"`
	MaxDrawdownPercent string `yaml:"max_drawdown_percent,omitempty"`
	MaxPositionValue   string `yaml:"max_position_value,omitempty"`

	Scheduled *ScheduledConfig `yaml:"scheduled,omitempty"`
	TimeSlice *TimeSliceConfig `yaml:"timeslice,omitempty"`
	MeanRev   *MeanRevConfig   `yaml:"meanrev,omitempty"`
}

type ScheduledConfig struct {
	BuyAmount string        `yaml:"buy_amount"`
	Interval  time.Duration `yaml:"interval"`
	Budget    string        `yaml:"budget,omitempty"`
}

type TimeSliceConfig struct {
	TotalAmount string        `yaml:"total_amount"`
	Slices      int           `yaml:"slices"`
	Duration    time.Duration `yaml:"duration"`
}

type MeanRevConfig struct {
	Lookback             int           `yaml:"lookback"`
	BuyThresholdPercent  string        `yaml:"buy_threshold_percent"`
	SellThresholdPercent string        `yaml:"sell_threshold_percent"`
	TradeAmount          string        `yaml:"trade_amount"`
	Cooldown             time.Duration `yaml:"cooldown"`
}

// Load reads and validates the yaml config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var tmp configTmp
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// env wins over yaml for endpoints, so secrets stay out of the file
	overrideFromEnv(&tmp.LaunchpadURL, "LAUNCHPAD_URL")
	overrideFromEnv(&tmp.AggregatorURL, "AGGREGATOR_URL")
	overrideFromEnv(&tmp.ChainRPCURL, "CHAIN_RPC_URL")
	overrideFromEnv(&tmp.WebhookURL, "WEBHOOK_URL")

	if !common.IsHexAddress(tmp.Wallet) {
		return nil, fmt.Errorf("invalid 'wallet' param: %q", tmp.Wallet)
	}
	if !common.IsHexAddress(tmp.QuoteToken) {
		return nil, fmt.Errorf("invalid 'quote_token' param: %q", tmp.QuoteToken)
	}
	if tmp.LaunchpadURL == "" {
		return nil, fmt.Errorf("'launchpad_url' param is required")
	}
	if tmp.AggregatorURL == "" {
		return nil, fmt.Errorf("'aggregator_url' param is required")
	}
	if tmp.ChainRPCURL == "" {
		return nil, fmt.Errorf("'chain_rpc_url' param is required")
	}

	cfg := &Config{
		Wallet:             common.HexToAddress(tmp.Wallet),
		QuoteToken:         common.HexToAddress(tmp.QuoteToken),
		LaunchpadURL:       tmp.LaunchpadURL,
		AggregatorURL:      tmp.AggregatorURL,
		ChainRPCURL:        tmp.ChainRPCURL,
		WebhookURL:         tmp.WebhookURL,
		DataDir:            tmp.DataDir,
		SnapshotDebounce:   tmp.SnapshotDebounce,
		BidTickInterval:    tmp.BidTickInterval,
		ExitTickInterval:   tmp.ExitTickInterval,
		TradeTickInterval:  tmp.TradeTickInterval,
		PriceInterval:      tmp.PriceInterval,
		PriceWindow:        tmp.PriceWindow,
		BridgeInterval:     tmp.BridgeInterval,
		CommitWindowBlocks: tmp.CommitWindowBlocks,
		Bids:               tmp.Bids,
		Strategies:         tmp.Strategies,
	}

	if tmp.MaxTradeNotional != "" {
		cfg.MaxTradeNotional, err = decimal.NewFromString(tmp.MaxTradeNotional)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'max_trade_notional' param: %w", err)
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func overrideFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.SnapshotDebounce <= 0 {
		cfg.SnapshotDebounce = defaultSnapshotDebounce
	}
	if cfg.BidTickInterval <= 0 {
		cfg.BidTickInterval = defaultBidTickInterval
	}
	if cfg.ExitTickInterval <= 0 {
		cfg.ExitTickInterval = defaultExitTickInterval
	}
	if cfg.TradeTickInterval <= 0 {
		cfg.TradeTickInterval = defaultTradeTickInterval
	}
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = defaultPriceInterval
	}
	if cfg.PriceWindow <= 0 {
		cfg.PriceWindow = defaultPriceWindow
	}
	if cfg.BridgeInterval <= 0 {
		cfg.BridgeInterval = defaultBridgeInterval
	}
	if cfg.CommitWindowBlocks == 0 {
		cfg.CommitWindowBlocks = defaultCommitWindowBlocks
	}
}

// BidStrategy converts a declared bid into a domain strategy.
func (b BidConfig) BidStrategy() (*domain.BidStrategy, error) {
	if !common.IsHexAddress(b.Auction) {
		return nil, fmt.Errorf("invalid 'auction' param: %q", b.Auction)
	}
	if !common.IsHexAddress(b.Token) {
		return nil, fmt.Errorf("invalid 'token' param: %q", b.Token)
	}

	amount, err := decimal.NewFromString(b.Amount)
	if err != nil {
		return nil, fmt.Errorf("incorrect 'amount' param: %w", err)
	}
	maxVal, err := decimal.NewFromString(b.MaxValuation)
	if err != nil {
		return nil, fmt.Errorf("incorrect 'max_valuation' param: %w", err)
	}
	minVal := decimal.Zero
	if b.MinValuation != "" {
		minVal, err = decimal.NewFromString(b.MinValuation)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'min_valuation' param: %w", err)
		}
	}

	var exit *domain.ExitProfile
	if b.Exit != nil {
		exit, err = b.Exit.profile()
		if err != nil {
			return nil, err
		}
	}

	return domain.NewBidStrategy(
		common.HexToAddress(b.Auction),
		common.HexToAddress(b.Token),
		amount, maxVal, minVal, exit)
}

func (e *ExitConfig) profile() (*domain.ExitProfile, error) {
	profile := &domain.ExitProfile{}

	for i, t := range e.Tranches {
		percent, err := decimal.NewFromString(t.Percent)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'percent' in tranche %d: %w", i, err)
		}
		trigger, err := decimal.NewFromString(t.TriggerMultiple)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'trigger_multiple' in tranche %d: %w", i, err)
		}
		profile.Tranches = append(profile.Tranches, domain.TrancheSpec{
			Percent:         percent,
			TriggerMultiple: trigger,
		})
	}

	if e.StopLossMultiple != "" {
		sl, err := decimal.NewFromString(e.StopLossMultiple)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'stop_loss_multiple' param: %w", err)
		}
		profile.StopLossMultiple = &sl
	}

	return profile, nil
}

// TradingStrategy converts a declared strategy into a domain strategy.
func (s StrategyConfig) TradingStrategy() (*domain.TradingStrategy, error) {
	if !common.IsHexAddress(s.Token) {
		return nil, fmt.Errorf("invalid 'token' param: %q", s.Token)
	}

	out := &domain.TradingStrategy{
		Kind:   domain.StrategyKind(s.Kind),
		Token:  common.HexToAddress(s.Token),
		Status: domain.TradeStatusRunning,
		Events: domain.NewEventLog(0),
	}

	var err error
	if out.Risk.StopLossPercent, err = optionalDecimal(s.StopLossPercent, "stop_loss_percent"); err != nil {
		return nil, err
	}
	if out.Risk.MaxDrawdownPercent, err = optionalDecimal(s.MaxDrawdownPercent, "max_drawdown_percent"); err != nil {
		return nil, err
	}
	if out.Risk.MaxPositionValue, err = optionalDecimal(s.MaxPositionValue, "max_position_value"); err != nil {
		return nil, err
	}

	switch {
	case s.Scheduled != nil:
		buy, err := decimal.NewFromString(s.Scheduled.BuyAmount)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'buy_amount' param: %w", err)
		}
		budget, err := optionalDecimal(s.Scheduled.Budget, "budget")
		if err != nil {
			return nil, err
		}
		out.Scheduled = &domain.ScheduledParams{
			BuyAmount: buy,
			Interval:  s.Scheduled.Interval,
			Budget:    budget,
		}
	case s.TimeSlice != nil:
		total, err := decimal.NewFromString(s.TimeSlice.TotalAmount)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'total_amount' param: %w", err)
		}
		out.TimeSlice = &domain.TimeSliceParams{
			TotalAmount: total,
			Slices:      s.TimeSlice.Slices,
			Duration:    s.TimeSlice.Duration,
			StartTime:   time.Now(),
		}
	case s.MeanRev != nil:
		buyT, err := decimal.NewFromString(s.MeanRev.BuyThresholdPercent)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'buy_threshold_percent' param: %w", err)
		}
		sellT, err := decimal.NewFromString(s.MeanRev.SellThresholdPercent)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'sell_threshold_percent' param: %w", err)
		}
		amount, err := decimal.NewFromString(s.MeanRev.TradeAmount)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'trade_amount' param: %w", err)
		}
		out.MeanRev = &domain.MeanRevParams{
			Lookback:             s.MeanRev.Lookback,
			BuyThresholdPercent:  buyT,
			SellThresholdPercent: sellT,
			TradeAmount:          amount,
			Cooldown:             s.MeanRev.Cooldown,
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func optionalDecimal(raw, name string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("incorrect '%s' param: %w", name, err)
	}
	return d, nil
}
