// Treasury Sentinel - advisory multi-chain treasury risk monitor
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"

	"github.com/mbd888/treasury-sentinel/internal/agent"
	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/config"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/health"
	"github.com/mbd888/treasury-sentinel/internal/logging"
	"github.com/mbd888/treasury-sentinel/internal/marketdata"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/payment"
	"github.com/mbd888/treasury-sentinel/internal/scheduler"
	"github.com/mbd888/treasury-sentinel/internal/server"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/treasury"
	"github.com/mbd888/treasury-sentinel/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	once := flag.Bool("once", false, "run a single tick and exit")
	replayID := flag.String("replay", "", "replay the given run id and exit")
	dryRun := flag.Bool("dry-run", false, "with -replay, skip all payments")
	flag.Parse()

	logger := logging.New("info", "text")

	logger.Info("starting treasury sentinel",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger = logging.New(cfg.LogLevel, format)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains", len(cfg.Chains),
		"budget_limit", cfg.BudgetLimit.String(),
		"payment_chain_id", cfg.PaymentChainID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		st store.Store
		db *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(db)
		logger.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Budget ledger, re-seeded from confirmed payment history so the
	// hard cap survives restarts.
	ledger := budget.New(cfg.BudgetLimit, cfg.MinimumOperational)
	ledger.AddObserver(&budgetEvents{logger: logger})
	spent, err := st.TotalSpend(ctx)
	if err != nil {
		logger.Error("failed to load historical spend", "error", err)
		os.Exit(1)
	}
	if spent > 0 {
		ledger.RestoreSpent(spent)
		logger.Info("restored budget spend", "spent", spent.String())
	}

	// Payment side: signing wallet plus on-chain settlement verifier,
	// both on the payment chain.
	payer, err := wallet.New(wallet.Config{
		RPCURL:       cfg.PaymentRPCURL,
		PrivateKey:   cfg.PrivateKey,
		ChainID:      cfg.PaymentChainID,
		USDCContract: cfg.USDCBaseAddress,
	})
	if err != nil {
		logger.Error("failed to create wallet", "error", err)
		os.Exit(1)
	}

	verifier, err := chain.NewVerifier(chain.VerifierConfig{
		RPCURL:        cfg.PaymentRPCURL,
		USDCContract:  common.HexToAddress(cfg.USDCBaseAddress),
		Recipient:     common.HexToAddress(cfg.GatewayRecipient),
		Confirmations: cfg.ConfirmationBlocks,
		PollInterval:  cfg.SettlementPoll,
	}, st)
	if err != nil {
		logger.Error("failed to create settlement verifier", "error", err)
		os.Exit(1)
	}

	pipeline := payment.New(payer, verifier, ledger, st, payment.Config{
		SettlementPoll: cfg.SettlementPoll,
		InvoiceTTL:     cfg.InvoiceTTL,
	}, logger)

	gateway := marketdata.New(marketdata.Config{BaseURL: cfg.MarketDataURL}, pipeline, logger)

	// Escalation machine, restored to the level the last completed run
	// left behind.
	thresholds := escalation.DefaultThresholds()
	thresholds.Cooldown = cfg.Cooldown
	thresholds.MinOperational = cfg.MinimumOperational
	machine := escalation.New(escalation.Config{Thresholds: thresholds}, ledger, st, logger)
	restoreLevel(ctx, machine, st, logger)

	// One balance reader per monitored chain.
	readers := make([]treasury.ChainReader, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		tokens := make([]common.Address, 0, len(ch.TrackedTokens))
		for _, t := range ch.TrackedTokens {
			tokens = append(tokens, common.HexToAddress(t))
		}
		reader, err := chain.NewReader(chain.ReaderConfig{
			ChainID:  ch.ChainID,
			RPCURL:   ch.RPCURL,
			Treasury: common.HexToAddress(ch.TreasuryAddress),
			Tokens:   tokens,
		})
		if err != nil {
			logger.Error("failed to create chain reader", "chain_id", ch.ChainID, "error", err)
			os.Exit(1)
		}
		readers = append(readers, reader)
	}

	ag := agent.New(treasury.New(readers, logger), machine, gateway, ledger, st, agent.Config{
		Asset:          cfg.PrimaryAsset,
		RunTimeout:     cfg.RunTimeout,
		MinOperational: cfg.MinimumOperational,
		Inputs: agent.InputParams{
			ProjectedOutflowsUSD: cfg.RiskInputs.ProjectedOutflowsUSD,
			ProjectedInflowsUSD:  cfg.RiskInputs.ProjectedInflowsUSD,
			LCRThreshold:         cfg.RiskInputs.LCRThreshold,
			ParticipationRate:    cfg.RiskInputs.ParticipationRate,
			DailyVolumesUSD:      cfg.RiskInputs.DailyVolumesUSD,
			PriceHistory:         cfg.RiskInputs.PriceHistory,
			StableSymbols:        cfg.RiskInputs.StableSymbols,
		},
	}, logger)

	if *replayID != "" {
		run, trs, err := ag.Replay(ctx, *replayID, *dryRun)
		if err != nil {
			logger.Error("replay failed", "run_id", *replayID, "error", err)
			os.Exit(1)
		}
		logger.Info("replay complete",
			"original_run", *replayID,
			"replay_run", run.ID,
			"dry_run", *dryRun,
			"level_before", run.LevelBefore,
			"level_after", run.LevelAfter,
			"transitions", len(trs),
		)
		return
	}

	if *once {
		run, err := ag.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("run failed", "error", err)
			os.Exit(1)
		}
		logger.Info("run complete",
			"run_id", run.ID,
			"level_before", run.LevelBefore,
			"level_after", run.LevelAfter,
			"spend_delta", run.SpendDelta.String(),
		)
		return
	}

	checks := health.NewRegistry()
	checks.Register("store", func(ctx context.Context) health.Status {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
			}
		}
		return health.Status{Name: "store", Healthy: true}
	})
	checks.Register("budget", func(ctx context.Context) health.Status {
		bs := ledger.Status()
		if bs.Blocked {
			return health.Status{Name: "budget", Healthy: false, Detail: "below minimum operational balance"}
		}
		return health.Status{Name: "budget", Healthy: true}
	})

	if db != nil {
		go metrics.StartDBStatsCollector(ctx, db, 30*time.Second)
	}

	sched, err := scheduler.New(scheduler.Config{CronExpression: cfg.CronExpression}, ag, st, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	go sched.Start(ctx)

	srv := server.New(cfg, st, ledger, machine, checks, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		sched.Stop()
		os.Exit(1)
	}
	sched.Stop()
	logger.Info("shutdown complete")
}

// budgetEvents surfaces ledger threshold crossings in logs and metrics.
type budgetEvents struct {
	logger *slog.Logger
}

func (b *budgetEvents) BudgetWarning(st budget.Status) {
	metrics.BudgetEventsTotal.WithLabelValues("warning").Inc()
	b.logger.Warn("budget warning threshold crossed",
		"spent", st.Spent.String(),
		"remaining", st.Remaining.String(),
		"limit", st.Limit.String(),
	)
}

func (b *budgetEvents) BudgetBlocked(st budget.Status) {
	metrics.BudgetEventsTotal.WithLabelValues("blocked").Inc()
	b.logger.Error("budget below minimum operational balance",
		"spent", st.Spent.String(),
		"remaining", st.Remaining.String(),
	)
}

// restoreLevel resumes from the level recorded by the most recent run
// that actually executed. Fresh deployments start at L0.
func restoreLevel(ctx context.Context, machine *escalation.Machine, st store.Store, logger *slog.Logger) {
	runs, err := st.ListRuns(ctx, 20)
	if err != nil {
		logger.Warn("failed to list runs for level restore", "error", err)
		return
	}
	for _, run := range runs {
		if run.Status == store.RunSkipped || run.LevelAfter == "" {
			continue
		}
		level, ok := escalation.ParseLevel(run.LevelAfter)
		if !ok {
			continue
		}
		machine.Restore(level)
		logger.Info("restored escalation level", "level", level.String(), "from_run", run.ID)
		return
	}
}
