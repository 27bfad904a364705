// Command quoterd runs a two-sided quoting engine for a single perpetual
// instrument on Thalex.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/csvlog"
	"github.com/marketcraft/quoterd/internal/observability"
	"github.com/marketcraft/quoterd/internal/pipeline"
	"github.com/marketcraft/quoterd/internal/pnl"
	"github.com/marketcraft/quoterd/internal/quote"
	"github.com/marketcraft/quoterd/internal/supervisor"
	"github.com/marketcraft/quoterd/internal/thalex"
	"github.com/marketcraft/quoterd/internal/volatility"
)

// restartWait separates consecutive session attempts after a failure so a
// flapping venue does not turn into a hot reconnect loop.
const restartWait = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		verbose    bool
		quiet      bool
	)
	flag.StringVar(&configPath, "config", "quoterd.yaml", "path to the configuration file")
	flag.BoolVar(&verbose, "v", false, "log debug and info lines")
	flag.BoolVar(&verbose, "verbose", false, "log debug and info lines")
	flag.BoolVar(&quiet, "q", false, "log warnings and errors only")
	flag.BoolVar(&quiet, "quiet", false, "log warnings and errors only")
	flag.Parse()

	observability.SetLogger(observability.NewStdLogger(os.Stderr, verbose, quiet))

	cfg, fromFile, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	if !fromFile {
		observability.Log().Warn("config file not found, using defaults",
			observability.F("path", configPath))
	}

	key, err := thalex.LoadPrivateKey(cfg.Credentials.PrivateKeyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "credentials:", err)
		return 1
	}

	runID := uuid.NewString()
	journal, err := csvlog.New(cfg.CSVDir, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		return 1
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.Log().Info("quoterd starting",
		observability.F("run_id", runID),
		observability.F("network", cfg.Network),
		observability.F("instrument", cfg.Instrument),
		observability.F("journal", journal.Path()))

	volMonitor := volatility.NewMonitor(&cfg)
	pnlFetcher := pnl.NewFetcher(&cfg, cfg.Credentials.KeyID, key)

	for {
		err := runSession(ctx, &cfg, volMonitor, pnlFetcher, journal)
		if ctx.Err() != nil {
			observability.Log().Info("quoterd stopped")
			return 0
		}
		observability.Log().Error("session ended, restarting",
			observability.F("error", err),
			observability.F("wait", restartWait))
		select {
		case <-ctx.Done():
			observability.Log().Info("quoterd stopped")
			return 0
		case <-time.After(restartWait):
		}
	}
}

// runSession drives one full connection lifecycle: a fresh client, quoter,
// and pipeline, plus the volatility and state journal loops that live and
// die with the session.
func runSession(ctx context.Context, cfg *config.Config, volMonitor *volatility.Monitor, pnlFetcher *pnl.Fetcher, journal *csvlog.Writer) error {
	client, err := thalex.NewClient(cfg)
	if err != nil {
		return err
	}
	quoter, err := quote.NewQuoter(cfg, client)
	if err != nil {
		return err
	}
	pipe := pipeline.New(client, quoter, cfg.QueueSize)
	sup := supervisor.New(cfg, client, pipe)

	sessionCtx, cancelSession := context.WithCancel(ctx)
	var loops conc.WaitGroup
	loops.Go(func() { volatilityLoop(sessionCtx, cfg, volMonitor, quoter) })
	loops.Go(func() { journalLoop(sessionCtx, cfg, quoter, pnlFetcher, journal) })

	runErr := sup.Run(ctx)

	cancelSession()
	loops.Wait()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClose()
	if err := quoter.Close(closeCtx); err != nil {
		observability.Log().Warn("quoter close", observability.F("error", err))
	}
	return runErr
}

// volatilityLoop refreshes the implied volatility estimate once immediately
// and then on the configured interval. Fetch failures keep the previous
// estimate; the engine simply quotes the stale value until the next success.
func volatilityLoop(ctx context.Context, cfg *config.Config, monitor *volatility.Monitor, quoter *quote.Quoter) {
	refresh := func() {
		vol, err := monitor.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				observability.Log().Warn("volatility refresh failed", observability.F("error", err))
			}
			return
		}
		quoter.SetVolatility(ctx, vol)
	}

	refresh()
	tick := time.NewTicker(cfg.VolatilityInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			refresh()
		}
	}
}

// journalLoop periodically logs the quoter state and appends it to the CSV
// journal. When the stream has not yet delivered PnL figures it falls back
// to the REST account summary.
func journalLoop(ctx context.Context, cfg *config.Config, quoter *quote.Quoter, pnlFetcher *pnl.Fetcher, journal *csvlog.Writer) {
	tick := time.NewTicker(cfg.LogInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			snap := quoter.Snapshot()
			if snap.UnrealisedPnL == nil {
				if summary, err := pnlFetcher.Fetch(ctx); err == nil {
					snap.UnrealisedPnL = &summary.UnrealisedPnL
					snap.SessionRealisedPnL = &summary.SessionRealisedPnL
				}
			}
			logState(snap)
			if err := journal.Append(csvlog.Row{
				Timestamp:          now,
				Mid:                snap.Mid,
				Position:           snap.Position,
				BidSpreadBps:       snap.BidSpreadBps,
				AskSpreadBps:       snap.AskSpreadBps,
				UnrealisedPnL:      snap.UnrealisedPnL,
				SessionRealisedPnL: snap.SessionRealisedPnL,
				Fees:               snap.Fees,
				Volatility:         snap.Volatility,
				SizeScale:          snap.SizeScale,
			}); err != nil && ctx.Err() == nil {
				observability.Log().Warn("journal append failed", observability.F("error", err))
			}
		}
	}
}

func logState(snap quote.Snapshot) {
	fields := []observability.Field{
		observability.F("bid_phase", snap.BidPhase),
		observability.F("ask_phase", snap.AskPhase),
		observability.F("size_scale", snap.SizeScale),
		observability.F("fees", snap.Fees),
	}
	appendOptional := func(key string, v *float64) {
		if v != nil {
			fields = append(fields, observability.F(key, *v))
		}
	}
	appendOptional("mid", snap.Mid)
	appendOptional("position", snap.Position)
	appendOptional("bid_spread_bps", snap.BidSpreadBps)
	appendOptional("ask_spread_bps", snap.AskSpreadBps)
	appendOptional("unrealised_pnl", snap.UnrealisedPnL)
	appendOptional("session_realised_pnl", snap.SessionRealisedPnL)
	appendOptional("volatility", snap.Volatility)
	observability.Log().Info("quoter state", fields...)
}
