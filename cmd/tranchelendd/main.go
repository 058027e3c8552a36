package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tranchelend/config"
	"tranchelend/core/events"
	"tranchelend/core/state"
	"tranchelend/indexer"
	nativecommon "tranchelend/native/common"
	"tranchelend/native/escrow"
	"tranchelend/native/lending"
	"tranchelend/observability"
	"tranchelend/observability/logging"
	tlotel "tranchelend/observability/otel"
	"tranchelend/rpc"
	"tranchelend/storage"
)

// moduleAddress derives a deterministic custody address for a native module.
func moduleAddress(name string) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("tranchelend/module/"+name))[12:])
	return out
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TRANCHELEND_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("tranchelendd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := tlotel.Init(ctx, tlotel.Config{
			ServiceName: "tranchelendd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			logger.Error("init telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	db, err := openBackend(cfg)
	if err != nil {
		logger.Error("open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	manager := state.NewManager(db)

	var emitter events.Emitter = events.NoopEmitter{}
	if cfg.Indexer.Driver != "none" {
		store, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN, logger)
		if err != nil {
			logger.Error("open indexer", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()
		emitter = store
	}
	emitter = observability.MetricsEmitter(emitter)

	pauses := nativecommon.NewPauses(cfg.PausedModules...)

	feeRecipient := moduleAddress("fees")
	if cfg.FeeRecipient != "" {
		feeRecipient, err = config.ParseAddress(cfg.FeeRecipient)
		if err != nil {
			logger.Error("parse fee recipient", slog.Any("error", err))
			os.Exit(1)
		}
	}

	lendingAddr := moduleAddress("lending")
	escrowAddr := moduleAddress("escrow")

	escrowEngine := escrow.NewEngine(escrowAddr)
	escrowEngine.SetState(manager)
	escrowEngine.SetLedger(manager)
	escrowEngine.SetEmitter(emitter)
	escrowEngine.SetPauses(pauses)
	escrowEngine.AuthorizeConsumer(lendingAddr, true)

	engine := lending.NewEngine(lendingAddr, feeRecipient, cfg.ChainID)
	engine.SetState(manager)
	engine.SetLedger(manager)
	engine.SetVault(manager.Vault())
	engine.SetFunder(escrowEngine)
	engine.SetEmitter(emitter)
	engine.SetPauses(pauses)
	engine.SetLiquidationFeeBps(cfg.LiquidationFeeBps)
	engine.SetHookBudget(time.Duration(cfg.HookBudgetMillis) * time.Millisecond)
	engine.RegisterModel(lending.SimpleModelAddress, lending.SimpleRateModel{})
	engine.RegisterModel(lending.AmortizedModelAddress, lending.AmortizedRateModel{})
	if cfg.LiquidatorAddress != "" {
		liquidatorAddr, err := config.ParseAddress(cfg.LiquidatorAddress)
		if err != nil {
			logger.Error("parse liquidator address", slog.Any("error", err))
			os.Exit(1)
		}
		engine.SetLiquidator(noopLiquidator{}, liquidatorAddr)
	}

	server := rpc.NewServer(engine, escrowEngine, manager, eventStore(emitter), logger)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("rpc listening", slog.String("address", cfg.RPCAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", slog.Any("error", err))
	}
}

func openBackend(cfg *config.Config) (storage.Database, error) {
	if cfg.Backend != "memory" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
	}
	switch cfg.Backend {
	case "leveldb":
		return storage.NewLevelDB(cfg.DataDir + "/chain")
	case "bolt":
		return storage.NewBoltDB(cfg.DataDir + "/chain.bolt")
	case "memory":
		return storage.NewMemDB(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// eventStore unwraps the indexer from the emitter chain for the RPC query
// surface, when one is configured.
func eventStore(emitter events.Emitter) *indexer.Store {
	type unwrapper interface{ Unwrap() events.Emitter }
	for emitter != nil {
		if store, ok := emitter.(*indexer.Store); ok {
			return store
		}
		u, ok := emitter.(unwrapper)
		if !ok {
			return nil
		}
		emitter = u.Unwrap()
	}
	return nil
}

// noopLiquidator accepts collateral handovers without acting on them. Real
// deployments replace it with an auction or market integration; proceeds
// arrive through the settlement callback either way.
type noopLiquidator struct{}

func (noopLiquidator) Liquidate(currency, collection [20]byte, tokenID *big.Int, wrapperContext, loanContext []byte) error {
	return nil
}
