package setup

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/launchpilot/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// RunTUI launches the terminal configuration wizard and writes a starter
// config file.
func RunTUI() error {
	var (
		wallet       string
		quoteToken   string
		launchpadURL string
		aggURL       string
		rpcURL       string
		mode         string
		confirm      bool
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LAUNCHPILOT CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Auctions, exits and strategies in one config.\n"))

	fmt.Println(stepStyle.Render("STEP 1: IDENTITY"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Wallet Address").
				Description("0x-prefixed address the bot trades from").
				Value(&wallet).
				Validate(validateAddress),
			huh.NewInput().
				Title("Quote Token Address").
				Description("USDC contract address").
				Value(&quoteToken).
				Validate(validateAddress),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LAUNCHPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: ENDPOINTS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Launch Platform API URL").
				Value(&launchpadURL).
				Validate(validateNonEmpty),
			huh.NewInput().
				Title("Swap Aggregator API URL").
				Value(&aggURL).
				Validate(validateNonEmpty),
			huh.NewInput().
				Title("Chain RPC URL").
				Value(&rpcURL).
				Validate(validateNonEmpty),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LAUNCHPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: FIRST TASK"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("What should the bot do first?").
				Options(
					huh.NewOption("Bid into an auction", "bid"),
					huh.NewOption("Run a trading strategy", "trade"),
					huh.NewOption("Nothing yet, just write the config", "none"),
				).
				Value(&mode),
		),
	).Run()
	if err != nil {
		return err
	}

	cfg := configSkeleton(wallet, quoteToken, launchpadURL, aggURL, rpcURL)

	switch mode {
	case "bid":
		bid, err := askBid()
		if err != nil {
			return err
		}
		cfg.Bids = append(cfg.Bids, bid)
	case "trade":
		strat, err := askStrategy()
		if err != nil {
			return err
		}
		cfg.Strategies = append(cfg.Strategies, strat)
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LAUNCHPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Wallet: %s\nQuote: %s\nLaunchpad: %s\nAggregator: %s\nRPC: %s\nBids: %d\nStrategies: %d\n",
		wallet, quoteToken, launchpadURL, aggURL, rpcURL, len(cfg.Bids), len(cfg.Strategies),
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\nConfiguration saved to %s\nStarting bot...", filename)))
	time.Sleep(1500 * time.Millisecond)
	return nil
}

// starterConfig mirrors the yaml shape config.Load reads back.
type starterConfig struct {
	Wallet        string `yaml:"wallet"`
	QuoteToken    string `yaml:"quote_token"`
	LaunchpadURL  string `yaml:"launchpad_url"`
	AggregatorURL string `yaml:"aggregator_url"`
	ChainRPCURL   string `yaml:"chain_rpc_url"`

	Bids       []config.BidConfig      `yaml:"bids,omitempty"`
	Strategies []config.StrategyConfig `yaml:"strategies,omitempty"`
}

func configSkeleton(wallet, quote, launchpad, agg, rpc string) *starterConfig {
	return &starterConfig{
		Wallet:        wallet,
		QuoteToken:    quote,
		LaunchpadURL:  launchpad,
		AggregatorURL: agg,
		ChainRPCURL:   rpc,
	}
}

func askBid() (config.BidConfig, error) {
	var (
		auction  string
		token    string
		amount   = "1000"
		maxVal   = "50000"
		stopLoss = "0.5"
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LAUNCHPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: BID SETTINGS"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Auction Address").
				Value(&auction).
				Validate(validateAddress),
			huh.NewInput().
				Title("Token Address").
				Value(&token).
				Validate(validateAddress),
			huh.NewInput().
				Title("Bid Amount (USDC)").
				Value(&amount).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Max Valuation (USDC)").
				Description("Never bid above this fully-diluted valuation").
				Value(&maxVal).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Stop-Loss Multiple").
				Description("Sell everything if price falls to this multiple of entry (e.g. 0.5)").
				Value(&stopLoss).
				Validate(validatePositiveDecimal),
		),
	).Run()
	if err != nil {
		return config.BidConfig{}, err
	}

	return config.BidConfig{
		Auction:      auction,
		Token:        token,
		Amount:       amount,
		MaxValuation: maxVal,
		Exit: &config.ExitConfig{
			// a conservative two-step ladder as a starting point
			Tranches: []config.TrancheConfig{
				{Percent: "50", TriggerMultiple: "3"},
				{Percent: "100", TriggerMultiple: "5"},
			},
			StopLossMultiple: stopLoss,
		},
	}, nil
}

func askStrategy() (config.StrategyConfig, error) {
	var (
		kind        string
		token       string
		amount      = "100"
		intervalStr = "24h"
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LAUNCHPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: STRATEGY SETTINGS"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Strategy Kind").
				Options(
					huh.NewOption("Scheduled buys", "scheduled"),
					huh.NewOption("Time-sliced entry", "timeslice"),
					huh.NewOption("Mean reversion", "meanrev"),
				).
				Value(&kind),
			huh.NewInput().
				Title("Token Address").
				Value(&token).
				Validate(validateAddress),
			huh.NewInput().
				Title("Amount per Trade (USDC)").
				Value(&amount).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Interval / Duration").
				Description("Duration string (e.g. 1h, 24h)").
				Value(&intervalStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
	).Run()
	if err != nil {
		return config.StrategyConfig{}, err
	}

	interval, _ := time.ParseDuration(intervalStr)
	out := config.StrategyConfig{Kind: kind, Token: token}

	switch kind {
	case "scheduled":
		out.Scheduled = &config.ScheduledConfig{BuyAmount: amount, Interval: interval}
	case "timeslice":
		out.TimeSlice = &config.TimeSliceConfig{TotalAmount: amount, Slices: 10, Duration: interval}
	case "meanrev":
		out.MeanRev = &config.MeanRevConfig{
			Lookback:             20,
			BuyThresholdPercent:  "5",
			SellThresholdPercent: "5",
			TradeAmount:          amount,
			Cooldown:             interval,
		}
	}
	return out, nil
}

func validateAddress(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("must be a 0x-prefixed hex address")
	}
	return nil
}

func validateNonEmpty(s string) error {
	if s == "" {
		return fmt.Errorf("cannot be empty")
	}
	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("must be positive")
	}
	return nil
}
