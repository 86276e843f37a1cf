// Package clients reads payment transactions from EVM chains. EVMClient serves
// as both the transfer source for verification and the settler that confirms
// a payment's transaction on chain.
package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402guard/settlement"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/verification"
)

var (
	_ verification.TransferSource = (*EVMClient)(nil)
	_ settlement.Settler          = (*EVMClient)(nil)
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainReader is the part of ethclient.Client the client uses.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Token is an accepted ERC-20 contract.
type Token struct {
	Address  common.Address
	Decimals int32
}

// ParseToken reads "CURRENCY=0xCONTRACT:DECIMALS", e.g.
// "USDC=0x036CbD53842c5426634e7929541eC2318f3dCF7e:6".
func ParseToken(s string) (string, Token, error) {
	currency, rest, ok := strings.Cut(s, "=")
	if !ok || currency == "" {
		return "", Token{}, fmt.Errorf("token %q: want CURRENCY=ADDRESS:DECIMALS", s)
	}
	addr, dec, ok := strings.Cut(rest, ":")
	if !ok || !common.IsHexAddress(addr) {
		return "", Token{}, fmt.Errorf("token %q: want CURRENCY=ADDRESS:DECIMALS", s)
	}
	decimals, err := strconv.ParseInt(dec, 10, 32)
	if err != nil || decimals < 0 || decimals > 36 {
		return "", Token{}, fmt.Errorf("token %q: invalid decimals", s)
	}
	return currency, Token{Address: common.HexToAddress(addr), Decimals: int32(decimals)}, nil
}

type Option func(*EVMClient)

// WithConfirmations is how many blocks, counting the one holding the
// transaction, must exist before Settle reports it. Defaults to 1.
func WithConfirmations(n uint64) Option {
	return func(e *EVMClient) {
		if n > 0 {
			e.confirmations = n
		}
	}
}

// EVMClient provides the chain lookups behind verification and settlement.
type EVMClient struct {
	network       types.Network
	reader        ChainReader
	tokens        map[common.Address]tokenInfo
	confirmations uint64
	close         func()
}

type tokenInfo struct {
	currency string
	decimals int32
}

// NewEVMClient serves network through reader. tokens maps a currency code to
// the ERC-20 contract that carries it.
func NewEVMClient(network types.Network, reader ChainReader, tokens map[string]Token, opts ...Option) *EVMClient {
	e := &EVMClient{
		network:       network,
		reader:        reader,
		tokens:        make(map[common.Address]tokenInfo, len(tokens)),
		confirmations: 1,
	}
	for currency, t := range tokens {
		e.tokens[t.Address] = tokenInfo{currency: currency, decimals: t.Decimals}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DialEVM connects to an RPC endpoint and checks it serves network.
func DialEVM(ctx context.Context, network types.Network, rpcURL string, tokens map[string]Token, opts ...Option) (*EVMClient, error) {
	want, ok := network.ChainID()
	if !ok {
		return nil, types.Validationf("unsupported network: %s", network)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if got.Int64() != want {
		client.Close()
		return nil, types.Validationf("rpc serves chain %s, %s is chain %d", got, network, want)
	}

	e := NewEVMClient(network, client, tokens, opts...)
	e.close = client.Close
	return e, nil
}

// Close releases the RPC connection of a dialed client.
func (e *EVMClient) Close() {
	if e.close != nil {
		e.close()
	}
}

func (e *EVMClient) GetNetwork() types.Network {
	return e.network
}

// Transfer implements verification.TransferSource. It reports the first
// transfer of an accepted token in the transaction's logs.
func (e *EVMClient) Transfer(ctx context.Context, network types.Network, txHash string) (*verification.Transfer, error) {
	if network != e.network {
		return nil, types.Validationf("client serves %s, not %s", e.network, network)
	}

	receipt, err := e.receipt(ctx, txHash, types.ErrCodeVerificationFailed)
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, types.Validationf("transaction reverted")
	}

	chainID, err := e.reader.ChainID(ctx)
	if err != nil {
		return nil, unavailable(types.ErrCodeVerificationFailed, "failed to read chain id", err)
	}

	for _, lg := range receipt.Logs {
		token, ok := e.tokens[lg.Address]
		if !ok || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		return &verification.Transfer{
			TxHash:    receipt.TxHash.Hex(),
			Payer:     common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			Recipient: common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Amount:    decimal.NewFromBigInt(value, -token.decimals).String(),
			Currency:  token.currency,
			ChainID:   chainID.Int64(),
		}, nil
	}
	return nil, types.Validationf("transaction carries no accepted token transfer")
}

// Settle implements settlement.Settler. The payment's transaction must be
// mined and confirmed; until then Settle returns a retryable error.
func (e *EVMClient) Settle(ctx context.Context, payment *types.Payment) (*settlement.Receipt, error) {
	receipt, err := e.receipt(ctx, payment.TxHash, types.ErrCodeSettlementFailed)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, unavailable(types.ErrCodeSettlementFailed, "transaction not yet mined", err)
		}
		return nil, err
	}

	out := &settlement.Receipt{
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash.Hex(),
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		out.Reverted = true
		out.Reason = "transaction reverted"
		return out, nil
	}

	head, err := e.reader.BlockNumber(ctx)
	if err != nil {
		return nil, unavailable(types.ErrCodeSettlementFailed, "failed to read block height", err)
	}
	var have uint64
	if head >= out.BlockNumber {
		have = head - out.BlockNumber + 1
	}
	if have < e.confirmations {
		return nil, unavailable(types.ErrCodeSettlementFailed,
			fmt.Sprintf("awaiting confirmations: %d of %d", have, e.confirmations), nil)
	}
	return out, nil
}

func (e *EVMClient) receipt(ctx context.Context, txHash, code string) (*ethtypes.Receipt, error) {
	receipt, err := e.reader.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, types.NewError(types.KindNotFound, types.ErrCodeRecordNotFound, "transaction not found")
		}
		return nil, unavailable(code, "failed to fetch receipt", err)
	}
	return receipt, nil
}

func unavailable(code, msg string, err error) error {
	return &types.X402Error{
		Kind:    types.KindStorageUnavailable,
		Code:    code,
		Message: msg,
		Err:     err,
	}
}
