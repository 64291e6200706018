// Package wallet sends native-token payouts on chain.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

const (
	// DefaultGasLimit for plain value transfers
	DefaultGasLimit = uint64(21000)

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a new wallet
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64

	// ConfirmTimeout makes Pay wait for the receipt. Zero returns as soon as
	// the transaction is accepted by the node.
	ConfirmTimeout time.Duration
}

// Option configures the wallet
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Wallet) {
		w.pollInterval = d
	}
}

// WithRetryPolicy overrides how read-only RPC calls are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(w *Wallet) {
		w.readRetry = p
	}
}

// TransferResult contains details of a transfer
type TransferResult struct {
	TxHash      string
	To          string
	Amount      string
	Nonce       uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Wallet signs and sends payouts from one key. It implements the escrow
// ledger's Payer.
type Wallet struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	readRetry      retry.Policy

	// serializes nonce assignment
	sendMu sync.Mutex
}

// New creates a new Wallet instance
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	w := &Wallet{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   ConfirmationPollInterval,
		readRetry:      retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return errors.New("wallet: chain ID required")
	}
	return nil
}

// Address returns the payout address
func (w *Wallet) Address() common.Address {
	return w.address
}

// Balance returns the payout address's native balance in wei.
func (w *Wallet) Balance(ctx context.Context) (*uint256.Int, error) {
	var raw *big.Int
	err := retry.Do(ctx, w.readRetry, func(ctx context.Context) error {
		var err error
		raw, err = w.client.BalanceAt(ctx, w.address, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	bal, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("balance %s overflows 256 bits", raw)
	}
	return bal, nil
}

// Pay sends amt wei to to and returns the transaction hash. ref is logged
// only; the chain has no memo field for plain transfers.
func (w *Wallet) Pay(ctx context.Context, to common.Address, amt *uint256.Int, ref string) (string, error) {
	res, err := w.Transfer(ctx, to, amt)
	if err != nil {
		return "", err
	}
	logging.L(ctx).Info("payout transaction sent",
		"txHash", res.TxHash, "to", to.Hex(), "amount", res.Amount, "nonce", res.Nonce, "reference", ref)

	if w.confirmTimeout > 0 {
		if _, err := w.WaitForConfirmation(ctx, res.TxHash, w.confirmTimeout); err != nil {
			return res.TxHash, err
		}
	}
	return res.TxHash, nil
}

// Transfer signs and sends a value transfer.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, amt *uint256.Int) (*TransferResult, error) {
	if amt == nil || amt.IsZero() {
		return nil, ErrInvalidAmount
	}
	value := amt.ToBig()

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	// Reads are retried; the send itself never is.
	var nonce uint64
	err := retry.Do(ctx, w.readRetry, func(ctx context.Context) error {
		var err error
		nonce, err = w.client.PendingNonceAt(ctx, w.address)
		return err
	})
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	var gasPrice *big.Int
	err = retry.Do(ctx, w.readRetry, func(ctx context.Context) error {
		var err error
		gasPrice, err = w.client.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash: signedTx.Hash().Hex(),
		To:     to.Hex(),
		Amount: amount.Format(amt),
		Nonce:  nonce,
	}, nil
}

// WaitForConfirmation waits for a transaction to be mined
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}

			res := &TransferResult{TxHash: txHash, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				res.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return res, nil
		}
	}
}

// Close closes the client connection
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
