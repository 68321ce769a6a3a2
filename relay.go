package gasless

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/x402-bsc/gasless-relay/eip712"
)

// Gas handling constants.
const (
	// GasMarginPercent widens every gas estimate by 20%.
	GasMarginPercent = 120
)

// DefaultFacilitatorGasFloor is the native balance (0.01 BNB in wei)
// below which the facilitator refuses to submit transactions.
var DefaultFacilitatorGasFloor = new(big.Int).Mul(big.NewInt(1e16), big.NewInt(1))

// DefaultMinimumTransferAmount is 0.01 USD1 in base units, enforced
// relay-side regardless of any client-side copy of the check.
var DefaultMinimumTransferAmount = big.NewInt(1e16)

// RelayConfig carries the network-dependent parameters of a Relay.
type RelayConfig struct {
	// WrapperDomain is the EIP-712 domain of the wrapper contract the
	// transfer authorizations are bound to.
	WrapperDomain eip712.Domain

	// MinimumTransferAmount in base units; defaults to 0.01 USD1.
	MinimumTransferAmount *big.Int

	// SupportsPermit gates the permit execution path for the network.
	SupportsPermit bool

	// FacilitatorGasFloor in wei; defaults to 0.01 BNB.
	FacilitatorGasFloor *big.Int

	// Poll is the confirmation policy used by Execute.
	Poll PollPolicy

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Relay validates signed transfer requests end to end and submits them
// on-chain from the facilitator account. It is the sole writer of
// submission state; all other collaborators are read-only.
type Relay struct {
	backend   ChainBackend
	domain    eip712.Domain
	minAmount *big.Int
	permitOK  bool
	gasFloor  *big.Int
	poll      PollPolicy
	now       func() time.Time
}

// NewRelay builds a Relay over the given chain backend.
func NewRelay(backend ChainBackend, cfg RelayConfig) *Relay {
	r := &Relay{
		backend:   backend,
		domain:    cfg.WrapperDomain,
		minAmount: cfg.MinimumTransferAmount,
		permitOK:  cfg.SupportsPermit,
		gasFloor:  cfg.FacilitatorGasFloor,
		poll:      cfg.Poll,
		now:       cfg.Now,
	}
	if r.minAmount == nil {
		r.minAmount = DefaultMinimumTransferAmount
	}
	if r.gasFloor == nil {
		r.gasFloor = DefaultFacilitatorGasFloor
	}
	if r.poll.MaxAttempts == 0 {
		r.poll = DefaultPollPolicy
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// MinimumTransferAmount returns the relay-side floor in base units.
func (r *Relay) MinimumTransferAmount() *big.Int {
	return new(big.Int).Set(r.minAmount)
}

// SupportsPermit reports whether the target network's token accepts the
// permit execution path.
func (r *Relay) SupportsPermit() bool { return r.permitOK }

// Submit validates req and, if every check passes, submits the transfer
// transaction. It returns as soon as a transaction hash is obtained;
// confirmation is a separate phase (see Execute and PollPolicy.Await).
//
// Checks run in a fixed order and the first failure wins: input
// validation, signature, nonce, balance, time window, then the
// submission phase (facilitator gas floor, path selection, estimation).
func (r *Relay) Submit(ctx context.Context, req *TransferRequest) (common.Hash, error) {
	if err := r.validate(req); err != nil {
		return common.Hash{}, err
	}
	if err := r.checkSignature(req); err != nil {
		return common.Hash{}, err
	}
	if err := r.checkNonce(ctx, req); err != nil {
		return common.Hash{}, err
	}
	if err := r.checkBalance(ctx, req); err != nil {
		return common.Hash{}, err
	}
	if err := r.checkTimeWindow(req); err != nil {
		return common.Hash{}, err
	}
	return r.submit(ctx, req)
}

// Execute runs Submit and then watches for confirmation with the
// relay's poll policy. On PollTimedOut the result still carries the
// transaction hash and the returned error is advisory
// (KindConfirmationTimeout): the transaction may confirm later.
func (r *Relay) Execute(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	txHash, err := r.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome, receipt, err := r.poll.Await(ctx, r.backend, txHash)
	if err != nil {
		return &TransferResult{TxHash: txHash},
			newError(KindConfirmationTimeout, CodeConfirmationTimeout, "confirmation watch cancelled", err)
	}
	switch outcome {
	case PollConfirmed:
		log.WithFields(log.Fields{
			"tx":    txHash.Hex(),
			"block": receipt.BlockNumber,
			"gas":   receipt.GasUsed,
		}).Info("transfer confirmed")
		return &TransferResult{TxHash: txHash, BlockNumber: receipt.BlockNumber, GasUsed: receipt.GasUsed}, nil
	case PollFailed:
		return &TransferResult{TxHash: txHash, BlockNumber: receipt.BlockNumber},
			newError(KindNetwork, CodeTransactionFailed, "transaction reverted on chain", nil)
	default:
		return &TransferResult{TxHash: txHash},
			newError(KindConfirmationTimeout, CodeConfirmationTimeout,
				"transaction not confirmed within the poll budget; check the explorer", nil)
	}
}

func (r *Relay) validate(req *TransferRequest) error {
	zero := common.Address{}
	if req.From == zero || req.To == zero {
		return validationError(CodeInvalidAddress, "from and to must be valid addresses")
	}
	if req.From == req.To {
		return validationError(CodeSelfTransfer, "cannot transfer to the same address")
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return newError(KindValidation, CodeInvalidAmount, "invalid transfer amount", err)
	}
	if req.Amount.Cmp(r.minAmount) < 0 {
		return validationError(CodeBelowMinimum, "amount is below the minimum transfer amount")
	}
	if req.Transfer.Value == nil || req.Amount.Cmp(req.Transfer.Value) != 0 {
		return validationError(CodeAmountMismatch, "amount does not match the signed authorization value")
	}
	if req.From != req.Transfer.From || req.To != req.Transfer.To {
		return validationError(CodeAmountMismatch, "addresses do not match the signed authorization")
	}
	return nil
}

func (r *Relay) checkSignature(req *TransferRequest) error {
	ok, err := eip712.Verify(r.domain, eip712.TransferTypes, eip712.TypeTransferWithAuthorization,
		req.Transfer.Message(), req.Transfer.Signature, req.From)
	if err != nil {
		return newError(KindAuth, CodeInvalidSignature, "could not verify signature", err)
	}
	if !ok {
		return newError(KindAuth, CodeInvalidSignature, "invalid signature", nil)
	}
	return nil
}

// checkNonce is a best-effort fast path. A failed read degrades to
// "assume unused": the wrapper contract's atomic mark-and-check at
// execution time remains the authoritative replay guard.
func (r *Relay) checkNonce(ctx context.Context, req *TransferRequest) error {
	used, err := r.backend.AuthorizationState(ctx, req.From, req.Transfer.Nonce)
	if err != nil {
		log.WithError(err).Warn("nonce pre-check failed, deferring to on-chain enforcement")
		return nil
	}
	if used {
		return newError(KindConflict, CodeNonceAlreadyUsed, "nonce already used", nil)
	}
	return nil
}

func (r *Relay) checkBalance(ctx context.Context, req *TransferRequest) error {
	balance, err := r.backend.TokenBalance(ctx, req.From)
	if err != nil {
		return networkError("failed to read sender balance", err)
	}
	if balance.Cmp(req.Amount) < 0 {
		return newError(KindInsufficientBalance, CodeInsufficientBalance, "insufficient USD1 balance", nil)
	}
	return nil
}

func (r *Relay) checkTimeWindow(req *TransferRequest) error {
	now := uint64(r.now().Unix())
	if now < req.Transfer.ValidAfter || now > req.Transfer.ValidBefore {
		return newError(KindExpired, CodeAuthorizationExpired, "authorization is outside its validity window", nil)
	}
	return nil
}

func (r *Relay) submit(ctx context.Context, req *TransferRequest) (common.Hash, error) {
	// The gas floor check runs before any estimation so an underfunded
	// facilitator fails fast without further RPC spend.
	native, err := r.backend.NativeBalance(ctx, r.backend.FacilitatorAddress())
	if err != nil {
		return common.Hash{}, networkError("failed to read facilitator balance", err)
	}
	if native.Cmp(r.gasFloor) < 0 {
		return common.Hash{}, newError(KindFacilitatorGas, CodeFacilitatorInsufficient,
			"facilitator has insufficient BNB for gas", nil)
	}

	withPermit := req.Permit != nil && r.permitOK
	var combined []byte
	if withPermit {
		combined = eip712.CombineSignatures(req.Transfer.Signature, &req.Permit.Signature, req.Permit.Deadline)
	} else {
		// Without a permit the wrapper spends a pre-existing allowance;
		// reject up front rather than burning gas on a guaranteed revert.
		allowance, err := r.backend.Allowance(ctx, req.From)
		if err != nil {
			return common.Hash{}, networkError("failed to read allowance", err)
		}
		if allowance.Cmp(req.Amount) < 0 {
			return common.Hash{}, validationError(CodeInsufficientAllowance,
				"insufficient USD1 allowance; approve the wrapper contract or include a permit")
		}
		combined = eip712.CombineSignatures(req.Transfer.Signature, nil, 0)
	}

	gasUnits, err := r.backend.EstimateTransferGas(ctx, req.From, req.To, req.Amount, withPermit)
	if err != nil {
		return common.Hash{}, networkError("failed to estimate gas", err)
	}
	gasLimit := ApplyGasMargin(gasUnits)

	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, networkError("failed to fetch gas price", err)
	}

	log.WithFields(log.Fields{
		"from":       req.From.Hex(),
		"to":         req.To.Hex(),
		"amount":     req.Amount.String(),
		"withPermit": withPermit,
		"gasLimit":   gasLimit,
		"gasPrice":   gasPrice.String(),
	}).Info("submitting gasless transfer")

	txHash, err := r.backend.SubmitTransfer(ctx, req.Transfer, combined, gasLimit, gasPrice)
	if err != nil {
		if isFacilitatorFundsError(err) {
			return common.Hash{}, newError(KindFacilitatorGas, CodeFacilitatorInsufficient,
				"facilitator has insufficient BNB for gas", err)
		}
		return common.Hash{}, newError(KindNetwork, CodeTransactionFailed, "transaction submission failed", err)
	}
	return txHash, nil
}

// ApplyGasMargin widens a gas estimate by the fixed safety margin.
func ApplyGasMargin(gasUnits uint64) uint64 {
	return gasUnits * GasMarginPercent / 100
}

// isFacilitatorFundsError pattern-matches the node error raised when the
// submitting account cannot cover gas.
func isFacilitatorFundsError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}
