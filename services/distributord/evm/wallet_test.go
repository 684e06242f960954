package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testToken  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testRouter = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testWETH   = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

type stubBackend struct {
	nativeBalance *big.Int
	balanceErr    error
	callResult    []byte
	callErr       error
	gasPrice      *big.Int
	gasPriceErr   error
	gasEstimate   uint64
	gasErr        error
	nonce         uint64
	nonceErr      error
	sent          []*gethtypes.Transaction
	sendErr       error
	receipts      []receiptResult
	receiptCalls  int
	head          *gethtypes.Header
	headErr       error
}

type receiptResult struct {
	receipt *gethtypes.Receipt
	err     error
}

func (s *stubBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return s.nativeBalance, s.balanceErr
}

func (s *stubBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return s.callResult, s.callErr
}

func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return s.gasPrice, s.gasPriceErr
}

func (s *stubBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return s.gasEstimate, s.gasErr
}

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return s.nonce, s.nonceErr
}

func (s *stubBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	if s.receiptCalls >= len(s.receipts) {
		return nil, ethereum.NotFound
	}
	result := s.receipts[s.receiptCalls]
	s.receiptCalls++
	return result.receipt, result.err
}

func (s *stubBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return s.head, s.headErr
}

func newTestWallet(t *testing.T, backend Backend) *Wallet {
	t.Helper()
	wallet, err := NewWallet(WalletConfig{
		PrivateKeyHex: testKeyHex,
		ChainID:       big.NewInt(8453),
		Token:         testToken,
		Router:        testRouter,
		WETH:          testWETH,
		PollInterval:  time.Millisecond,
	}, backend)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	return wallet
}

func TestNewWalletValidation(t *testing.T) {
	backend := &stubBackend{}
	cases := []WalletConfig{
		{},
		{PrivateKeyHex: "zz", ChainID: big.NewInt(1), Token: testToken, Router: testRouter, WETH: testWETH},
		{PrivateKeyHex: testKeyHex, Token: testToken, Router: testRouter, WETH: testWETH},
		{PrivateKeyHex: testKeyHex, ChainID: big.NewInt(1), Router: testRouter, WETH: testWETH},
		{PrivateKeyHex: testKeyHex, ChainID: big.NewInt(1), Token: testToken, WETH: testWETH},
		{PrivateKeyHex: testKeyHex, ChainID: big.NewInt(1), Token: testToken, Router: testRouter},
	}
	for i, cfg := range cases {
		if _, err := NewWallet(cfg, backend); err == nil {
			t.Fatalf("case %d: expected configuration error", i)
		}
	}
	if _, err := NewWallet(WalletConfig{
		PrivateKeyHex: testKeyHex, ChainID: big.NewInt(1),
		Token: testToken, Router: testRouter, WETH: testWETH,
	}, nil); err == nil {
		t.Fatalf("expected nil backend to be rejected")
	}
}

func TestWalletPaths(t *testing.T) {
	wallet := newTestWallet(t, &stubBackend{})
	sell := wallet.SellPath()
	if sell[0] != testToken || sell[1] != testWETH {
		t.Fatalf("sell path = %v", sell)
	}
	buy := wallet.BuyPath()
	if buy[0] != testWETH || buy[1] != testToken {
		t.Fatalf("buy path = %v", buy)
	}
}

func TestWalletBalances(t *testing.T) {
	tokenBalance := big.NewInt(123456)
	backend := &stubBackend{
		nativeBalance: big.NewInt(42),
		callResult:    common.LeftPadBytes(tokenBalance.Bytes(), 32),
	}
	wallet := newTestWallet(t, backend)

	balances, err := wallet.Balances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances.Native.Int64() != 42 {
		t.Fatalf("native = %s, want 42", balances.Native)
	}
	if balances.Token.Cmp(tokenBalance) != 0 {
		t.Fatalf("token = %s, want %s", balances.Token, tokenBalance)
	}
}

func TestWalletBalancesRPCFailure(t *testing.T) {
	wallet := newTestWallet(t, &stubBackend{balanceErr: errors.New("rpc down")})
	if _, err := wallet.Balances(context.Background()); err == nil {
		t.Fatalf("expected balance failure to surface")
	}
}

func TestTransferTokenSignsAndSends(t *testing.T) {
	backend := &stubBackend{
		gasPrice:    big.NewInt(1_000_000_000),
		gasEstimate: 52000,
		nonce:       7,
	}
	wallet := newTestWallet(t, backend)

	hash, err := wallet.TransferToken(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"), big.NewInt(1000))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("returned hash does not match the submitted transaction")
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	if tx.Gas() != 52000 {
		t.Fatalf("gas = %d, want the live estimate 52000", tx.Gas())
	}
	if *tx.To() != testToken {
		t.Fatalf("to = %s, want the token contract", tx.To())
	}
	if tx.Value().Sign() != 0 {
		t.Fatalf("transfer carries value %s", tx.Value())
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != wallet.Address() {
		t.Fatalf("sender = %s, want %s", sender, wallet.Address())
	}
}

func TestTransferTokenFallsBackToGasLimit(t *testing.T) {
	backend := &stubBackend{
		gasPrice: big.NewInt(1_000_000_000),
		gasErr:   errors.New("estimate unavailable"),
		nonce:    1,
	}
	wallet := newTestWallet(t, backend)

	if _, err := wallet.TransferToken(context.Background(), common.HexToAddress("0x01"), big.NewInt(1)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := backend.sent[0].Gas(); got != 100000 {
		t.Fatalf("gas = %d, want the 100000 fallback", got)
	}
}

func TestTransferTokenRejectsNonPositiveAmount(t *testing.T) {
	wallet := newTestWallet(t, &stubBackend{})
	if _, err := wallet.TransferToken(context.Background(), common.HexToAddress("0x01"), big.NewInt(0)); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
	if _, err := wallet.TransferToken(context.Background(), common.HexToAddress("0x01"), nil); err == nil {
		t.Fatalf("expected nil amount to be rejected")
	}
}

// countingBackend mimics a node's pending-nonce view: the nonce it reports is
// the number of transactions already accepted, so interleaved submissions
// would be handed the same nonce.
type countingBackend struct {
	mu   sync.Mutex
	sent []*gethtypes.Transaction
}

func (c *countingBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *countingBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *countingBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *countingBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 52000, nil
}

func (c *countingBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

func (c *countingBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *countingBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (c *countingBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return nil, nil
}

func TestConcurrentTransfersUseDistinctNonces(t *testing.T) {
	backend := &countingBackend{}
	wallet := newTestWallet(t, backend)

	const transfers = 8
	var wg sync.WaitGroup
	errs := make(chan error, transfers)
	for i := 0; i < transfers; i++ {
		recipient := common.BigToAddress(big.NewInt(int64(i + 1)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := wallet.TransferToken(context.Background(), recipient, big.NewInt(1000))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}

	if len(backend.sent) != transfers {
		t.Fatalf("sent %d transactions, want %d", len(backend.sent), transfers)
	}
	seen := make(map[uint64]bool, transfers)
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d assigned to more than one transaction", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	for nonce := uint64(0); nonce < transfers; nonce++ {
		if !seen[nonce] {
			t.Fatalf("nonce %d never assigned: %v", nonce, seen)
		}
	}
}

func TestSwapNativeForTokensAttachesValue(t *testing.T) {
	backend := &stubBackend{
		gasPrice:    big.NewInt(1_000_000_000),
		gasEstimate: 150000,
	}
	wallet := newTestWallet(t, backend)

	value := big.NewInt(1_000_000)
	if _, err := wallet.SwapNativeForTokens(context.Background(), value, big.NewInt(900), time.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	tx := backend.sent[0]
	if tx.Value().Cmp(value) != 0 {
		t.Fatalf("value = %s, want %s", tx.Value(), value)
	}
	if *tx.To() != testRouter {
		t.Fatalf("to = %s, want the router", tx.To())
	}
}

func TestAmountsOutDecodesRouterQuote(t *testing.T) {
	amounts := []*big.Int{big.NewInt(1000), big.NewInt(42)}
	encoded, err := routerABI.Methods["getAmountsOut"].Outputs.Pack(amounts)
	if err != nil {
		t.Fatalf("encode quote: %v", err)
	}
	wallet := newTestWallet(t, &stubBackend{callResult: encoded})

	got, err := wallet.AmountsOut(context.Background(), big.NewInt(1000), wallet.SellPath())
	if err != nil {
		t.Fatalf("amounts out: %v", err)
	}
	if len(got) != 2 || got[1].Int64() != 42 {
		t.Fatalf("amounts = %v", got)
	}
}

func TestAmountsOutValidatesInput(t *testing.T) {
	wallet := newTestWallet(t, &stubBackend{})
	if _, err := wallet.AmountsOut(context.Background(), big.NewInt(0), wallet.SellPath()); err == nil {
		t.Fatalf("expected zero quote amount to be rejected")
	}
	if _, err := wallet.AmountsOut(context.Background(), big.NewInt(1), []common.Address{testToken}); err == nil {
		t.Fatalf("expected single-hop path to be rejected")
	}
}
