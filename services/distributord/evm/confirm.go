package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrTransactionFailed indicates the chain mined the transaction with a
// reverted status.
var ErrTransactionFailed = errors.New("evm: transaction reverted")

// WaitForReceipt polls for the transaction receipt until it has been mined
// with the wallet's configured confirmation depth, the context is cancelled,
// or the transaction is found reverted.
func (w *Wallet) WaitForReceipt(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("fetch receipt: %w", err)
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTransactionFailed, txHash.Hex())
			}
			confirmed, err := w.confirmationDepth(ctx, receipt)
			if err != nil {
				return err
			}
			if confirmed >= int64(w.confirmations) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Wallet) confirmationDepth(ctx context.Context, receipt *gethtypes.Receipt) (int64, error) {
	header, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	if !depth.IsInt64() {
		return int64(w.confirmations), nil
	}
	return depth.Int64(), nil
}
