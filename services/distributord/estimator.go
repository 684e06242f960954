package distributord

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// gasQuoter is the slice of the wallet the estimator needs.
type gasQuoter interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateTransferGas(ctx context.Context, to common.Address, amount *big.Int) (uint64, error)
}

// ReserveEstimate is the projected native-currency requirement for an
// upcoming transfer plus the reserve top-up.
type ReserveEstimate struct {
	GasCost     *big.Int
	TotalNeeded *big.Int
	Fallback    bool
}

// Estimator projects how much native currency a payment cycle needs. It
// prefers a live gas estimate for the real transfer payload and degrades to
// the configured gas limit, then to a hardcoded guess: the daemon would rather
// attempt a transaction on stale numbers than halt.
type Estimator struct {
	quoter        gasQuoter
	gasLimit      uint64
	bufferBps     int64
	targetReserve *big.Int
	log           *slog.Logger
}

// Hardcoded estimator fallback: 0.01 ETH of gas, 0.02 ETH total.
var (
	fallbackGasCost     = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))
	fallbackTotalNeeded = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(50))
)

// NewEstimator constructs an estimator against the supplied quoter and limits.
func NewEstimator(quoter gasQuoter, limits Limits, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{
		quoter:        quoter,
		gasLimit:      limits.GasLimit,
		bufferBps:     limits.GasBufferBps,
		targetReserve: new(big.Int).Set(limits.TargetReserve),
		log:           log,
	}
}

// RequiredReserve computes the buffered gas cost for transferring amount to
// the recipient plus whatever is missing from the target reserve given the
// current native balance.
func (e *Estimator) RequiredReserve(ctx context.Context, to common.Address, amount, currentNative *big.Int) ReserveEstimate {
	gasPrice, err := e.quoter.SuggestGasPrice(ctx)
	if err != nil {
		e.log.Warn("gas price lookup failed, using fallback estimate", "error", err)
		return ReserveEstimate{
			GasCost:     new(big.Int).Set(fallbackGasCost),
			TotalNeeded: new(big.Int).Set(fallbackTotalNeeded),
			Fallback:    true,
		}
	}
	gasLimit := e.gasLimit
	if limit, err := e.quoter.EstimateTransferGas(ctx, to, amount); err == nil && limit > 0 {
		gasLimit = limit
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	needed := mulBps(gasCost, e.bufferBps)
	if refill := new(big.Int).Sub(e.targetReserve, currentNative); refill.Sign() > 0 {
		needed.Add(needed, refill)
	}
	return ReserveEstimate{GasCost: gasCost, TotalNeeded: needed}
}
