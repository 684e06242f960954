package distributord

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"apocat/observability"
	"apocat/services/distributord/evm"
)

// swapWallet is the slice of the wallet the rebalancer drives.
type swapWallet interface {
	Balances(ctx context.Context) (evm.Balances, error)
	ApproveRouter(ctx context.Context, amount *big.Int) (common.Hash, error)
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	SwapTokensForNative(ctx context.Context, amountIn, minOut *big.Int, deadline time.Time) (common.Hash, error)
	SwapNativeForTokens(ctx context.Context, value, minOut *big.Int, deadline time.Time) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) error
	SellPath() []common.Address
	BuyPath() []common.Address
}

// Canonical probe sizes used to quote the pair: 1 token for the sell leg,
// 0.01 ETH for the buy leg.
var (
	sellProbeAmount = big.NewInt(params.Ether)
	buyProbeAmount  = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))
)

// Rebalancer keeps the hot wallet's holdings healthy with two one-directional
// operations against the constant-product router: selling tokens to refill the
// gas reserve and buying tokens back to restore the payout float. Failed swaps
// are not retried here; the next reward or timer tick re-evaluates.
type Rebalancer struct {
	wallet      swapWallet
	minFloat    *big.Int
	marginBps   int64
	slippageBps int64
	deadline    time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *observability.DistributordMetrics
}

// NewRebalancer constructs a rebalancer for the supplied wallet and limits.
func NewRebalancer(wallet swapWallet, limits Limits, cfg RebalanceConfig, log *slog.Logger) *Rebalancer {
	if log == nil {
		log = slog.Default()
	}
	return &Rebalancer{
		wallet:      wallet,
		minFloat:    new(big.Int).Set(limits.MinTokenBalance),
		marginBps:   cfg.MarginBps,
		slippageBps: cfg.SlippageBps,
		deadline:    cfg.Deadline.Duration,
		now:         time.Now,
		log:         log,
		metrics:     observability.Distributord(),
	}
}

// WithClock overrides the time source used for swap deadlines.
func (r *Rebalancer) WithClock(clock func() time.Time) *Rebalancer {
	if clock != nil {
		r.now = clock
	}
	return r
}

// SellForReserve raises nativeNeeded wei of native currency by selling tokens:
// quote the token price with the canonical probe, derive the token quantity
// with the configured margin, approve the router for exactly that quantity,
// then swap with the slippage floor and deadline. Any failing step abandons
// the operation.
func (r *Rebalancer) SellForReserve(ctx context.Context, nativeNeeded *big.Int) error {
	if nativeNeeded == nil || nativeNeeded.Sign() <= 0 {
		return fmt.Errorf("rebalancer: native amount must be positive")
	}
	amounts, err := r.wallet.AmountsOut(ctx, sellProbeAmount, r.wallet.SellPath())
	if err != nil {
		return r.sellFailed(fmt.Errorf("quote token price: %w", err))
	}
	price := amounts[len(amounts)-1]
	if price.Sign() <= 0 {
		return r.sellFailed(fmt.Errorf("router quoted zero output for the sell leg"))
	}
	tokensToSell := ceilDiv(new(big.Int).Mul(nativeNeeded, sellProbeAmount), price)
	tokensToSell = mulBps(tokensToSell, 10000+r.marginBps)

	approveTx, err := r.wallet.ApproveRouter(ctx, tokensToSell)
	if err != nil {
		return r.sellFailed(fmt.Errorf("approve router: %w", err))
	}
	if err := r.wallet.WaitForReceipt(ctx, approveTx); err != nil {
		return r.sellFailed(fmt.Errorf("confirm approval: %w", err))
	}

	minOut := mulBps(nativeNeeded, 10000-r.slippageBps)
	swapTx, err := r.wallet.SwapTokensForNative(ctx, tokensToSell, minOut, r.now().Add(r.deadline))
	if err != nil {
		return r.sellFailed(fmt.Errorf("swap tokens for native: %w", err))
	}
	if err := r.wallet.WaitForReceipt(ctx, swapTx); err != nil {
		return r.sellFailed(fmt.Errorf("confirm swap: %w", err))
	}
	r.metrics.RecordSwap("sell", "ok")
	r.log.Info("sold tokens for reserve",
		"tokens_in", formatDecimal(tokensToSell),
		"native_target", formatDecimal(nativeNeeded),
		"tx_hash", swapTx.Hex())
	return nil
}

// BuyTokens acquires tokensNeeded by spending native currency, quoting the
// inverse leg with the canonical probe and applying the same margin, slippage
// floor, and deadline.
func (r *Rebalancer) BuyTokens(ctx context.Context, tokensNeeded *big.Int) error {
	if tokensNeeded == nil || tokensNeeded.Sign() <= 0 {
		return fmt.Errorf("rebalancer: token amount must be positive")
	}
	amounts, err := r.wallet.AmountsOut(ctx, buyProbeAmount, r.wallet.BuyPath())
	if err != nil {
		return r.buyFailed(fmt.Errorf("quote native price: %w", err))
	}
	tokensPerProbe := amounts[len(amounts)-1]
	if tokensPerProbe.Sign() <= 0 {
		return r.buyFailed(fmt.Errorf("router quoted zero output for the buy leg"))
	}
	nativeIn := ceilDiv(new(big.Int).Mul(tokensNeeded, buyProbeAmount), tokensPerProbe)
	nativeIn = mulBps(nativeIn, 10000+r.marginBps)

	minOut := mulBps(tokensNeeded, 10000-r.slippageBps)
	swapTx, err := r.wallet.SwapNativeForTokens(ctx, nativeIn, minOut, r.now().Add(r.deadline))
	if err != nil {
		return r.buyFailed(fmt.Errorf("swap native for tokens: %w", err))
	}
	if err := r.wallet.WaitForReceipt(ctx, swapTx); err != nil {
		return r.buyFailed(fmt.Errorf("confirm swap: %w", err))
	}
	r.metrics.RecordSwap("buy", "ok")
	r.log.Info("bought back tokens",
		"tokens_target", formatDecimal(tokensNeeded),
		"native_in", formatDecimal(nativeIn),
		"tx_hash", swapTx.Hex())
	return nil
}

// EnsureFloat buys back the shortfall when the token balance sits below the
// minimum float. When the float is healthy it performs no swap and leaves no
// state behind.
func (r *Rebalancer) EnsureFloat(ctx context.Context) error {
	balances, err := r.wallet.Balances(ctx)
	if err != nil {
		return fmt.Errorf("check balances: %w", err)
	}
	if balances.Token.Cmp(r.minFloat) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(r.minFloat, balances.Token)
	r.log.Info("token float below minimum, buying back",
		"token_balance", formatDecimal(balances.Token),
		"min_float", formatDecimal(r.minFloat),
		"shortfall", formatDecimal(shortfall))
	return r.BuyTokens(ctx, shortfall)
}

func (r *Rebalancer) sellFailed(err error) error {
	r.metrics.RecordSwap("sell", "failed")
	return err
}

func (r *Rebalancer) buyFailed(err error) error {
	r.metrics.RecordSwap("buy", "failed")
	return err
}
