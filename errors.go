package gasless

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidAmount marks amounts outside the token's representable range.
var ErrInvalidAmount = errors.New("invalid amount")

// Kind classifies relay failures by who can act on them.
type Kind int

const (
	// KindValidation covers malformed input the client can fix (400).
	KindValidation Kind = iota
	// KindAuth covers signature rejection (401).
	KindAuth
	// KindConflict covers nonce reuse; not retryable with the same nonce (400).
	KindConflict
	// KindInsufficientBalance covers the user's token balance (400).
	KindInsufficientBalance
	// KindExpired covers requests outside their validity window (400).
	KindExpired
	// KindFacilitatorGas covers the facilitator running out of BNB;
	// operationally actionable, not the client's fault (503).
	KindFacilitatorGas
	// KindNetwork covers RPC and execution failures (500).
	KindNetwork
	// KindConfirmationTimeout is advisory: the poll budget ran out but the
	// transaction may still confirm.
	KindConfirmationTimeout
)

// Error is a classified relay failure carried to the HTTP boundary.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the failure class to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindConflict, KindInsufficientBalance, KindExpired:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindFacilitatorGas:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Rejection reasons surfaced in API responses.
const (
	CodeInvalidAddress           = "invalid_address"
	CodeSelfTransfer             = "self_transfer"
	CodeBelowMinimum             = "below_minimum"
	CodeAmountMismatch           = "amount_mismatch"
	CodeInvalidAmount            = "invalid_amount"
	CodeInvalidSignature         = "invalid_signature"
	CodeNonceAlreadyUsed         = "nonce_already_used"
	CodeInsufficientBalance      = "insufficient_balance"
	CodeInsufficientAllowance    = "insufficient_allowance"
	CodeAuthorizationExpired     = "authorization_expired"
	CodeFacilitatorInsufficient  = "facilitator_insufficient_gas"
	CodeNetworkError             = "network_error"
	CodeTransactionFailed        = "transaction_failed"
	CodeConfirmationTimeout      = "confirmation_timeout"
)

func newError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func validationError(code, message string) *Error {
	return newError(KindValidation, code, message, nil)
}

func networkError(message string, cause error) *Error {
	return newError(KindNetwork, CodeNetworkError, message, cause)
}

// AsError extracts a classified *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
