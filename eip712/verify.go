package eip712

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// RecoverSigner recovers the address that produced sig over the given
// typed-data message.
func RecoverSigner(domain Domain, types map[string][]apitypes.Type, primaryType string, message map[string]interface{}, sig Signature) (common.Address, error) {
	digest, err := Hash(domain, types, primaryType, message)
	if err != nil {
		return common.Address{}, err
	}

	raw := sig.Bytes()
	// SigToPub expects the raw recovery id.
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over the typed-data message was produced by
// claimedSigner. The comparison is case-insensitive. A signature that
// parses but recovers to a different address yields (false, nil); any
// alteration of the message or of (v, r, s) changes the recovered
// address and therefore fails the check.
func Verify(domain Domain, types map[string][]apitypes.Type, primaryType string, message map[string]interface{}, sig Signature, claimedSigner common.Address) (bool, error) {
	recovered, err := RecoverSigner(domain, types, primaryType, message, sig)
	if err != nil {
		// Hashing failures are caller errors; recovery failures mean the
		// signature does not match any key.
		if _, hashErr := Hash(domain, types, primaryType, message); hashErr != nil {
			return false, hashErr
		}
		return false, nil
	}
	return strings.EqualFold(recovered.Hex(), claimedSigner.Hex()), nil
}
