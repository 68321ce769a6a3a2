// Package chain implements the on-chain backend for the gasless transfer
// facilitator: read-only contract queries against the USD1 token and the
// wrapper contract, plus signed submission of transferWithAuthorization
// transactions from the facilitator account.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	gasless "github.com/x402-bsc/gasless-relay"
	"github.com/x402-bsc/gasless-relay/eip712"
)

// Gas fallbacks used when the node cannot estimate or price a call.
const (
	// FallbackGasPriceWei is 3 gwei, a workable BSC gas price.
	FallbackGasPriceWei = 3_000_000_000
	// FallbackGasPlain covers transferWithAuthorization spending an
	// existing allowance.
	FallbackGasPlain = 150_000
	// FallbackGasPermit covers the permit-and-transfer path.
	FallbackGasPermit = 200_000
)

// tokenABIJSON is the subset of the USD1 ERC-20 interface the backend reads.
const tokenABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"nonces","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// wrapperABIJSON is the wrapper contract interface: authorization replay
// state and the combined transfer entry point.
const wrapperABIJSON = `[
	{"name":"authorizationState","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferWithAuthorization","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

// ethClient is the node surface the backend uses; *ethclient.Client
// satisfies it and tests substitute a fake.
type ethClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options configure a Client for one network.
type Options struct {
	ChainID *big.Int
	Token   common.Address
	Wrapper common.Address
}

// Client is the production ChainBackend. It serializes transaction
// submission so the facilitator account's nonce sequence stays intact
// under concurrent requests.
type Client struct {
	eth     ethClient
	opts    Options
	key     *ecdsa.PrivateKey
	account common.Address

	tokenABI   abi.ABI
	wrapperABI abi.ABI

	submitMu sync.Mutex
}

// Dial connects to the RPC endpoint and builds a Client signing with the
// given hex-encoded private key.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, opts Options) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	return NewClient(eth, privateKeyHex, opts)
}

// NewClient builds a Client over an already-connected node.
func NewClient(eth ethClient, privateKeyHex string, opts Options) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid facilitator private key: %w", err)
	}

	tokenABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	wrapperABI, err := abi.JSON(strings.NewReader(wrapperABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse wrapper ABI: %w", err)
	}

	return &Client{
		eth:        eth,
		opts:       opts,
		key:        key,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		tokenABI:   tokenABI,
		wrapperABI: wrapperABI,
	}, nil
}

func (c *Client) FacilitatorAddress() common.Address { return c.account }

func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

func (c *Client) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.readUint256(ctx, c.opts.Token, c.tokenABI, "balanceOf", addr)
}

func (c *Client) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.readUint256(ctx, c.opts.Token, c.tokenABI, "allowance", owner, c.opts.Wrapper)
}

func (c *Client) PermitNonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.readUint256(ctx, c.opts.Token, c.tokenABI, "nonces", owner)
}

func (c *Client) AuthorizationState(ctx context.Context, from common.Address, nonce [32]byte) (bool, error) {
	data, err := c.wrapperABI.Pack("authorizationState", from, nonce)
	if err != nil {
		return false, fmt.Errorf("failed to pack authorizationState call: %w", err)
	}
	out, err := c.call(ctx, c.opts.Wrapper, data)
	if err != nil {
		return false, err
	}
	results, err := c.wrapperABI.Unpack("authorizationState", out)
	if err != nil {
		return false, fmt.Errorf("failed to decode authorizationState result: %w", err)
	}
	used, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", results[0])
	}
	return used, nil
}

// SuggestGasPrice asks the node and falls back to a fixed BSC-typical
// price when the query fails.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() == 0 {
		log.WithError(err).Debug("gas price query failed, using fallback")
		return big.NewInt(FallbackGasPriceWei), nil
	}
	return price, nil
}

// EstimateTransferGas estimates a transferWithAuthorization call shaped
// like the real one: same calldata layout, mock signature bytes of the
// correct length. Estimation failures degrade to fixed per-path
// fallbacks rather than blocking the transfer.
func (c *Client) EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int, withPermit bool) (uint64, error) {
	sigLen := eip712.PlainLength
	fallback := uint64(FallbackGasPlain)
	if withPermit {
		sigLen = eip712.WithPermitLength
		fallback = uint64(FallbackGasPermit)
	}
	mockSig := make([]byte, sigLen)
	for i := range mockSig {
		mockSig[i] = 0x01
	}

	var nonce [32]byte
	data, err := c.wrapperABI.Pack("transferWithAuthorization",
		from, to, amount, big.NewInt(0), gasless.MaxUint256, nonce, mockSig)
	if err != nil {
		return 0, fmt.Errorf("failed to pack estimation call: %w", err)
	}

	units, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.account,
		To:   &c.opts.Wrapper,
		Data: data,
	})
	if err != nil || units == 0 {
		log.WithError(err).WithField("withPermit", withPermit).Debug("gas estimation failed, using fallback")
		return fallback, nil
	}
	return units, nil
}

// SubmitTransfer packs, signs and sends transferWithAuthorization.
// Submission is serialized: the facilitator account is the single gas
// payer and concurrent sends would race on its transaction nonce.
func (c *Client) SubmitTransfer(ctx context.Context, auth gasless.TransferAuthorization, combined []byte, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	data, err := c.wrapperABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value,
		new(big.Int).SetUint64(auth.ValidAfter),
		new(big.Int).SetUint64(auth.ValidBefore),
		auth.Nonce, combined)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transferWithAuthorization: %w", err)
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	txNonce, err := c.eth.PendingNonceAt(ctx, c.account)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch account nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    txNonce,
		To:       &c.opts.Wrapper,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.opts.ChainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// TransactionReceipt returns nil without error while the transaction is
// pending, matching what the confirmation poller expects.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gasless.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}
	return &gasless.Receipt{
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (c *Client) readUint256(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := c.call(ctx, contract, data)
	if err != nil {
		return nil, err
	}
	results, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, results[0])
	}
	return value, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
