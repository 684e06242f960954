package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Balances is a point-in-time snapshot of the hot wallet holdings in wei-scale
// units: native currency and the reward token.
type Balances struct {
	Native *big.Int
	Token  *big.Int
}

// WalletConfig carries the chain-side parameters for the hot wallet.
type WalletConfig struct {
	PrivateKeyHex string
	ChainID       *big.Int
	Token         common.Address
	Router        common.Address
	WETH          common.Address
	GasFallback   uint64
	Confirmations int
	PollInterval  time.Duration
}

// Wallet signs and submits transactions for the operating account: ERC-20
// transfers, router approvals, and the two rebalancing swaps. Submissions are
// serialized: payment cycles for distinct recipients run concurrently, and two
// cycles reading the same pending nonce would submit colliding transactions.
type Wallet struct {
	backend       Backend
	key           *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	token         common.Address
	router        common.Address
	weth          common.Address
	gasFallback   uint64
	confirmations int
	pollInterval  time.Duration

	nonceMu sync.Mutex
}

// NewWallet constructs a wallet from the supplied configuration and backend.
func NewWallet(cfg WalletConfig, backend Backend) (*Wallet, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm backend required")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("wallet private key required")
	}
	key, err := gethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("token address required")
	}
	if (cfg.Router == common.Address{}) {
		return nil, fmt.Errorf("router address required")
	}
	if (cfg.WETH == common.Address{}) {
		return nil, fmt.Errorf("weth address required")
	}
	wallet := &Wallet{
		backend:       backend,
		key:           key,
		address:       gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:       new(big.Int).Set(cfg.ChainID),
		token:         cfg.Token,
		router:        cfg.Router,
		weth:          cfg.WETH,
		gasFallback:   cfg.GasFallback,
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
	}
	if wallet.gasFallback == 0 {
		wallet.gasFallback = 100000
	}
	if wallet.confirmations <= 0 {
		wallet.confirmations = 1
	}
	if wallet.pollInterval <= 0 {
		wallet.pollInterval = 3 * time.Second
	}
	return wallet, nil
}

// Address returns the operating account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// SellPath returns the token->WETH swap path.
func (w *Wallet) SellPath() []common.Address {
	return []common.Address{w.token, w.weth}
}

// BuyPath returns the WETH->token swap path.
func (w *Wallet) BuyPath() []common.Address {
	return []common.Address{w.weth, w.token}
}

// Balances reads the native and token balances fresh from the chain. There is
// no caching; an RPC failure means the caller must treat the holdings as
// unknown.
func (w *Wallet) Balances(ctx context.Context) (Balances, error) {
	native, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return Balances{}, fmt.Errorf("native balance: %w", err)
	}
	data, err := erc20ABI.Pack("balanceOf", w.address)
	if err != nil {
		return Balances{}, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return Balances{}, fmt.Errorf("token balance: %w", err)
	}
	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return Balances{}, fmt.Errorf("unpack balanceOf: %w", err)
	}
	token, ok := results[0].(*big.Int)
	if !ok {
		return Balances{}, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return Balances{Native: native, Token: token}, nil
}

// SuggestGasPrice proxies the backend's fee suggestion.
func (w *Wallet) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return w.backend.SuggestGasPrice(ctx)
}

// EstimateTransferGas estimates gas for an ERC-20 transfer of the supplied
// amount against the real token contract.
func (w *Wallet) EstimateTransferGas(ctx context.Context, to common.Address, amount *big.Int) (uint64, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return 0, fmt.Errorf("pack transfer: %w", err)
	}
	return w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &w.token, Data: data})
}

// TransferToken submits an ERC-20 transfer to the recipient and returns the
// transaction hash. Confirmation is the caller's concern (WaitForReceipt).
func (w *Wallet) TransferToken(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("transfer amount must be positive")
	}
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack transfer: %w", err)
	}
	return w.sendContractTx(ctx, w.token, nil, data)
}

// ApproveRouter grants the router a spending allowance for exactly the
// supplied token quantity.
func (w *Wallet) ApproveRouter(ctx context.Context, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("approval amount must be positive")
	}
	data, err := erc20ABI.Pack("approve", w.router, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack approve: %w", err)
	}
	return w.sendContractTx(ctx, w.token, nil, data)
}

// AmountsOut quotes the router's constant-product output for the supplied
// input amount along the given path.
func (w *Wallet) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount must be positive")
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("swap path requires at least two hops")
	}
	data, err := routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack getAmountsOut: %w", err)
	}
	out, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &w.router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut: %w", err)
	}
	results, err := routerABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	amounts, ok := results[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getAmountsOut result type %T", results[0])
	}
	if len(amounts) != len(path) {
		return nil, fmt.Errorf("router returned %d amounts for %d hops", len(amounts), len(path))
	}
	return amounts, nil
}

// SwapTokensForNative executes a token->ETH swap with the supplied minimum
// output and deadline.
func (w *Wallet) SwapTokensForNative(ctx context.Context, amountIn, minOut *big.Int, deadline time.Time) (common.Hash, error) {
	data, err := routerABI.Pack("swapExactTokensForETH", amountIn, minOut, w.SellPath(), w.address, big.NewInt(deadline.Unix()))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swapExactTokensForETH: %w", err)
	}
	return w.sendContractTx(ctx, w.router, nil, data)
}

// SwapNativeForTokens executes an ETH->token swap, attaching the input as the
// transaction value.
func (w *Wallet) SwapNativeForTokens(ctx context.Context, value, minOut *big.Int, deadline time.Time) (common.Hash, error) {
	data, err := routerABI.Pack("swapExactETHForTokens", minOut, w.BuyPath(), w.address, big.NewInt(deadline.Unix()))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swapExactETHForTokens: %w", err)
	}
	return w.sendContractTx(ctx, w.router, value, data)
}

func (w *Wallet) sendContractTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	// Nonce assignment must not interleave: hold the lock from the pending
	// nonce read through submission.
	w.nonceMu.Lock()
	defer w.nonceMu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	gasLimit, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = w.gasFallback
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}
