package distributord

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"apocat/observability/logging"
	telemetry "apocat/observability/otel"
	"apocat/services/distributord/evm"
	"apocat/services/distributord/storage"
)

// Main initialises and runs the distribution daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/distributord/config.yaml", "path to distributord configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("APOCAT_ENV"))
	logging.Setup("distributord", env)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnvironment("distributord", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	limits, err := cfg.Thresholds.Parse()
	if err != nil {
		return fmt.Errorf("parse thresholds: %w", err)
	}
	slog.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		logging.MaskField("rpc_url", cfg.Chain.RPCURL),
		"min_token_balance", cfg.Thresholds.MinTokenBalance,
		"target_eth_reserve", cfg.Thresholds.TargetReserve)

	backend, err := evm.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}

	wallet, err := evm.NewWallet(evm.WalletConfig{
		PrivateKeyHex: cfg.Chain.PrivateKey,
		ChainID:       big.NewInt(cfg.Chain.ChainID),
		Token:         common.HexToAddress(cfg.Chain.TokenAddress),
		Router:        common.HexToAddress(cfg.Chain.RouterAddress),
		WETH:          common.HexToAddress(cfg.Chain.WETHAddress),
		GasFallback:   limits.GasLimit,
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval.Duration,
	}, backend)
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}
	slog.Info("hot wallet loaded", "address", wallet.Address().Hex())

	ledger := NewLedger(RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff.Duration,
		MaxBackoff:  cfg.Retry.MaxBackoff.Duration,
	})

	var store *storage.Store
	var opts []ProcessorOption
	if path := strings.TrimSpace(cfg.Storage.Path); path != "" {
		store, err = storage.Open(path)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		if err := restoreLedger(context.Background(), ledger, store); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		opts = append(opts, WithJournal(NewJournalStore(store)))
	}
	opts = append(opts, WithSweepInterval(cfg.Rebalance.Interval.Duration))

	estimator := NewEstimator(wallet, limits, slog.Default())
	rebalancer := NewRebalancer(wallet, limits, cfg.Rebalance, slog.Default())
	processor := NewProcessor(wallet, estimator, rebalancer, ledger, opts...)

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   cfg.Admin.AllowMTLS,
	})
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	server := NewServer(cfg, processor, wallet, rebalancer, store, auth, slog.Default())

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- server.Run(stopCtx) }()
	go func() { errs <- processor.Run(stopCtx) }()

	// Both loops honour stopCtx; waiting on both means in-flight payment
	// cycles and HTTP drains complete before the deferred cleanup runs.
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// restoreLedger replays journaled, unsettled rewards into the in-memory
// ledger so queued payouts survive a restart.
func restoreLedger(ctx context.Context, ledger *Ledger, store *storage.Store) error {
	records, err := store.LoadUnpaid(ctx)
	if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		amount, ok := new(big.Int).SetString(record.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			slog.Warn("skipping journaled reward with bad amount", "id", record.ID, "amount", record.Amount)
			continue
		}
		entries = append(entries, Entry{
			ID:          record.ID,
			Recipient:   common.HexToAddress(record.Recipient),
			Kind:        record.Kind,
			Amount:      amount,
			Description: record.Description,
			CreatedAt:   record.CreatedAt,
		})
	}
	ledger.Restore(entries)
	if len(entries) > 0 {
		slog.Info("restored pending rewards from journal", "entries", len(entries))
	}
	return nil
}
