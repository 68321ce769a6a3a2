// Package eip712 builds and hashes the typed-data messages exchanged in a
// gasless USD1 transfer: the wrapper contract's TransferWithAuthorization
// and the token's EIP-2612 Permit. It also implements the combined
// signature wire format consumed by the wrapper contract.
package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator bound to a verifying contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Primary type names.
const (
	TypeTransferWithAuthorization = "TransferWithAuthorization"
	TypePermit                    = "Permit"
)

// TransferTypes is the type schema for the wrapper contract's
// TransferWithAuthorization struct. Field order is part of the hash and
// must not change.
var TransferTypes = map[string][]apitypes.Type{
	TypeTransferWithAuthorization: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// PermitTypes is the type schema for the token's EIP-2612 Permit struct.
var PermitTypes = map[string][]apitypes.Type{
	TypePermit: {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// TransferMessage builds the typed-data message for a gasless transfer
// authorization. value is the integer base-unit amount.
func TransferMessage(from, to common.Address, value *big.Int, validAfter, validBefore uint64, nonce [32]byte) map[string]interface{} {
	return map[string]interface{}{
		"from":        from.Hex(),
		"to":          to.Hex(),
		"value":       value,
		"validAfter":  new(big.Int).SetUint64(validAfter),
		"validBefore": new(big.Int).SetUint64(validBefore),
		"nonce":       nonce[:],
	}
}

// PermitMessage builds the typed-data message for an EIP-2612 permit.
// nonce is the token contract's own counter for owner.
func PermitMessage(owner, spender common.Address, value *big.Int, nonce *big.Int, deadline uint64) map[string]interface{} {
	return map[string]interface{}{
		"owner":    owner.Hex(),
		"spender":  spender.Hex(),
		"value":    value,
		"nonce":    nonce,
		"deadline": new(big.Int).SetUint64(deadline),
	}
}

// Hash computes the EIP-712 digest for the given domain, type schema and
// message: keccak256("\x19\x01" ++ domainSeparator ++ structHash).
func Hash(domain Domain, types map[string][]apitypes.Type, primaryType string, message map[string]interface{}) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types, len(types)+1),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: message,
	}

	for name, fields := range types {
		typedData.Types[name] = fields
	}
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256(rawData), nil
}
