// Command closeout resolves the position a halted session left open.
//
// Usage:
//
//	go run ./cmd/closeout -config config.yaml [-dry-run]
//
// It sells any shares the broker still holds for the journal's open position,
// clears the record, and moves an unresolved session to stopped so the bot can
// be restarted with -resume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/config"
	"github.com/eddiefleurent/volume_rider/internal/logging"
	"github.com/eddiefleurent/volume_rider/internal/marketdata"
	"github.com/eddiefleurent/volume_rider/internal/mock"
	"github.com/eddiefleurent/volume_rider/internal/orders"
	"github.com/eddiefleurent/volume_rider/internal/report"
	"github.com/eddiefleurent/volume_rider/internal/retry"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("closeout", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Optional dotenv file loaded before the config")
	dryRun := fs.Bool("dry-run", false, "Report what would be done without placing orders")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		logrus.WithError(err).Error("Failed to load dotenv file")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("Failed to load config")
		return 1
	}

	logOpts := logging.DefaultOptions()
	logOpts.Level = cfg.Environment.LogLevel
	logOpts.File = cfg.Environment.LogFile
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		logrus.WithError(err).Error("Failed to set up logging")
		return 1
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStorage(cfg.Storage.Backend, cfg.Storage.Path, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open storage")
		return 1
	}
	defer store.Close()

	b := newBroker(cfg)
	orderManager := orders.NewManager(b, logger, orders.Config{
		PollInterval: 2 * time.Second,
		Timeout:      cfg.GetFillTimeout(),
		CallTimeout:  cfg.GetBrokerTimeout(),
	})
	seller := retry.NewClient(orderManager, logger, retry.Config{
		MaxRetries:     cfg.Risk.ExitRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        cfg.GetCloseOutTimeout(),
	}).WithHoldings(b)

	quotes := marketdata.NewBrokerProvider(b, nil)
	out, err := NewCloser(b, quotes, seller, store, logger, *dryRun).Run(ctx)
	printOutcome(stdout, out)
	if err != nil {
		if errors.Is(err, ErrPartialCloseOut) {
			logger.WithError(err).Error("Close-out incomplete; run again once the order book settles")
		} else {
			logger.WithError(err).Error("Close-out failed")
		}
		return 1
	}

	if state, err := store.LoadSession(); err == nil && state != nil {
		if err := report.Write(stdout, report.Summary{
			State:        *state,
			Statistics:   store.GetStatistics(),
			History:      store.GetHistory(),
			ProfitTarget: cfg.ProfitTarget(),
			OpenPosition: store.GetOpenPosition(),
		}); err != nil {
			logger.WithError(err).Warn("Failed to write session report")
		}
	}
	return 0
}

// newBroker talks to Tradier; the simulator keeps no positions across
// processes, so in sim mode the stored record is simply cleared.
func newBroker(cfg *config.Config) broker.Broker {
	if cfg.IsSimulation() {
		return mock.NewSimBroker(cfg.Trading.InitialPot, 0)
	}
	api := broker.NewTradierAPIWithBaseURL(
		cfg.Broker.APIKey,
		cfg.Broker.AccountID,
		cfg.IsPaperTrading(),
		cfg.Broker.APIEndpoint,
	).WithTimeout(cfg.GetBrokerTimeout())
	return broker.NewCircuitBreakerBroker(broker.NewTradierClientWithAPI(api))
}

func printOutcome(w io.Writer, out *Outcome) {
	if out == nil {
		return
	}
	switch {
	case out.Position == nil:
		fmt.Fprintln(w, "No stored position.")
	case out.DryRun:
		fmt.Fprintf(w, "DRY RUN: stored %s x%d, broker holds %d\n",
			out.Position.Symbol, out.Position.Quantity, out.HeldQuantity)
	case out.Fill != nil:
		fmt.Fprintf(w, "Sold %s x%d @ $%s (P&L $%s)\n",
			out.Position.Symbol, out.Fill.Quantity, out.Fill.Price.StringFixed(2), out.RealizedPnL.StringFixed(2))
	case out.Cleared:
		fmt.Fprintf(w, "Cleared stale record for %s; broker held nothing\n", out.Position.Symbol)
	}
}
