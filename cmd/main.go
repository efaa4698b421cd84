// Command launchpilot runs the token-launch trading agent: it bids into
// clearing-price auctions, liquidates won positions through configured exit
// ladders and runs standing trading strategies, all resumable across
// restarts from a single state snapshot.
//
// Usage:
//
//	launchpilot --config config.yaml
//	launchpilot --setup   (interactive wizard, writes config.gen.yaml)
//
// Environment variables LAUNCHPAD_URL, AGGREGATOR_URL, CHAIN_RPC_URL and
// WEBHOOK_URL override their yaml counterparts; a .env file is honored.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/launchpilot/config"
	"github.com/vadiminshakov/launchpilot/internal/services/bidder"
	"github.com/vadiminshakov/launchpilot/internal/services/bridge"
	"github.com/vadiminshakov/launchpilot/internal/services/executor"
	"github.com/vadiminshakov/launchpilot/internal/services/exiter"
	"github.com/vadiminshakov/launchpilot/internal/services/notify"
	"github.com/vadiminshakov/launchpilot/internal/services/observer"
	"github.com/vadiminshakov/launchpilot/internal/services/providers"
	"github.com/vadiminshakov/launchpilot/internal/services/trading"
	"github.com/vadiminshakov/launchpilot/internal/setup"
	"github.com/vadiminshakov/launchpilot/internal/storage/journal"
	"github.com/vadiminshakov/launchpilot/internal/storage/snapshot"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to yaml config")
	runSetup := flag.Bool("setup", false, "run the interactive configuration wizard")
	flag.Parse()

	if *runSetup {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		*configPath = "config.gen.yaml"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chain, err := providers.NewChainClient(cfg.ChainRPCURL)
	if err != nil {
		return err
	}
	defer chain.Close()

	launchpad := providers.NewLaunchpadClient(cfg.LaunchpadURL)
	aggregator := providers.NewAggregatorClient(cfg.AggregatorURL, cfg.Wallet)

	jrnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		return err
	}
	defer jrnl.Close()

	// unconfirmed actions from a previous run need an operator's eyes, the
	// agent never replays them
	for _, intent := range jrnl.Pending() {
		logger.Warn("unconfirmed action from previous run",
			zap.String("id", intent.ID),
			zap.String("kind", string(intent.Kind)),
			zap.String("owner", intent.Owner),
			zap.String("amount", intent.Amount.String()))
	}

	store := snapshot.NewStore(filepath.Join(cfg.DataDir, "state.snapshot"), cfg.SnapshotDebounce, logger)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, logger)
	}

	obs := observer.New(aggregator, logger, cfg.PriceInterval, cfg.PriceWindow)
	exec := executor.New(launchpad, aggregator, jrnl, cfg.Wallet, cfg.QuoteToken, logger)

	bids := bidder.NewEngine(launchpad, chain, exec, notifier, store, logger,
		cfg.BidTickInterval, cfg.CommitWindowBlocks)
	exits := exiter.NewEngine(obs, exec, chain, notifier, store, cfg.Wallet, logger, cfg.ExitTickInterval)
	trades := trading.NewEngine(exec, obs, notifier, store, logger,
		cfg.TradeTickInterval, cfg.MaxTradeNotional)

	store.Register("bid_strategies", bids.Collect, func(data []byte) error {
		return bids.Restore(ctx, data)
	})
	store.Register("exit_strategies", exits.Collect, func(data []byte) error {
		return exits.Restore(ctx, data)
	})
	store.Register("trading_strategies", trades.Collect, func(data []byte) error {
		return trades.Restore(ctx, data)
	})

	if err := store.Load(); err != nil {
		return err
	}

	registerDeclared(ctx, cfg, bids, trades, logger)

	grad := bridge.New(bids, launchpad, chain, exits, cfg.Wallet, cfg.BridgeInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grad.Run(gctx)
	})

	logger.Info("agent started",
		zap.String("wallet", cfg.Wallet.Hex()),
		zap.String("data_dir", cfg.DataDir))

	<-gctx.Done()
	logger.Info("shutting down")

	bids.Close()
	exits.Close()
	trades.Close()

	if err := store.Close(); err != nil {
		logger.Error("final snapshot failed", zap.Error(err))
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// registerDeclared adds the bids and strategies declared in the config.
// Anything already restored from the snapshot wins: declarations are only a
// bootstrap, not a source of truth.
func registerDeclared(ctx context.Context, cfg *config.Config, bids *bidder.Engine, trades *trading.Engine, logger *zap.Logger) {
	for _, bc := range cfg.Bids {
		s, err := bc.BidStrategy()
		if err != nil {
			logger.Error("invalid bid declaration, skipping", zap.String("auction", bc.Auction), zap.Error(err))
			continue
		}
		if _, exists := bids.Get(s.Auction); exists {
			logger.Info("bid strategy already known from snapshot", zap.String("auction", bc.Auction))
			continue
		}
		if err := bids.Add(ctx, s); err != nil {
			logger.Error("bid strategy registration failed", zap.String("auction", bc.Auction), zap.Error(err))
		}
	}

	for i, sc := range cfg.Strategies {
		s, err := sc.TradingStrategy()
		if err != nil {
			logger.Error("invalid strategy declaration, skipping", zap.Int("index", i), zap.Error(err))
			continue
		}
		if trades.HasActive(s.Kind, s.Token) {
			logger.Info("trading strategy already known from snapshot",
				zap.String("kind", string(s.Kind)), zap.String("token", sc.Token))
			continue
		}
		if err := trades.Add(ctx, s); err != nil {
			logger.Error("trading strategy registration failed", zap.Int("index", i), zap.Error(err))
		}
	}
}
