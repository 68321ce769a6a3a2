package gasless

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainBackend is the on-chain surface the relay depends on. The
// production implementation lives in the chain package; tests substitute
// an in-memory fake.
type ChainBackend interface {
	// FacilitatorAddress returns the account that submits transactions
	// and pays gas.
	FacilitatorAddress() common.Address

	// NativeBalance returns addr's BNB balance in wei.
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// TokenBalance returns addr's USD1 balance in base units.
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// Allowance returns the wrapper contract's spending allowance granted
	// by owner on the token.
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)

	// AuthorizationState reports whether the (from, nonce) pair has been
	// consumed on-chain.
	AuthorizationState(ctx context.Context, from common.Address, nonce [32]byte) (bool, error)

	// PermitNonce returns the token contract's EIP-2612 nonce counter for
	// owner.
	PermitNonce(ctx context.Context, owner common.Address) (*big.Int, error)

	// SuggestGasPrice returns the network gas price, falling back to a
	// fixed default when the node does not provide one.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// EstimateTransferGas estimates gas units for a transfer call shaped
	// like a real one (mock signature payload of identical size). Falls
	// back to fixed defaults when on-chain estimation fails.
	EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int, withPermit bool) (uint64, error)

	// SubmitTransfer sends transferWithAuthorization with the combined
	// signature blob and returns the transaction hash.
	SubmitTransfer(ctx context.Context, auth TransferAuthorization, combined []byte, gasLimit uint64, gasPrice *big.Int) (common.Hash, error)

	// TransactionReceipt returns the receipt for txHash, or nil while the
	// transaction is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}
