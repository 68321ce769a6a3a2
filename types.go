// Package gasless implements the facilitator side of gasless USD1
// transfers on BNB Smart Chain: a user signs an off-chain transfer
// authorization (and optionally an EIP-2612 permit) and the facilitator
// account submits the on-chain transaction, paying the gas fee.
package gasless

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-bsc/gasless-relay/eip712"
)

// TokenDecimals is the fixed decimal count of USD1.
const TokenDecimals = 18

// MaxUint256 is the largest value representable by the token contract.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TransferAuthorization is the off-chain-signed intent to move funds.
// The signature covers {from, to, value, validAfter, validBefore, nonce}
// under the wrapper contract's EIP-712 domain.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int // base units
	ValidAfter  uint64   // unix seconds, inclusive
	ValidBefore uint64   // unix seconds, inclusive
	Nonce       [32]byte // random, single use per From
	Signature   eip712.Signature
}

// Message builds the typed-data message this authorization was signed over.
func (a *TransferAuthorization) Message() map[string]interface{} {
	return eip712.TransferMessage(a.From, a.To, a.Value, a.ValidAfter, a.ValidBefore, a.Nonce)
}

// PermitAuthorization is an EIP-2612 permit granting the wrapper
// contract spending allowance. The token contract consumes it atomically
// with the transfer or not at all.
type PermitAuthorization struct {
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Deadline  uint64
	Signature eip712.Signature
}

// TransferRequest is the relay's unit of work.
type TransferRequest struct {
	From     common.Address
	To       common.Address
	Amount   *big.Int // base units
	Transfer TransferAuthorization
	Permit   *PermitAuthorization // nil when the sender holds a pre-approved allowance
}

// TransferResult describes a submitted transfer. BlockNumber and GasUsed
// are zero until the transaction is confirmed.
type TransferResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Receipt status values, matching the EVM receipt status flag.
const (
	ReceiptStatusFailed  = uint64(0)
	ReceiptStatusSuccess = uint64(1)
)

// Receipt is the subset of a transaction receipt the relay consumes.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// ValidateAmount rejects amounts the token cannot represent.
func ValidateAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if v.Cmp(MaxUint256) > 0 {
		return fmt.Errorf("%w: amount exceeds uint256", ErrInvalidAmount)
	}
	return nil
}
