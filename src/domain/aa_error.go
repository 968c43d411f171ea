package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AA codes the bundler raises at admission time. Codes without the AA prefix
// are bundler-side checks that have no EntryPoint counterpart.
const (
	CodeSenderAlreadyConstructed = "AA10"
	CodeInitCodeFailed           = "AA13"
	CodeSenderNotDeployed        = "AA20"
	CodeInsufficientPrefund      = "AA21"
	CodeInvalidNonce             = "AA25"
	CodePaymasterDepositTooLow   = "AA31"
	CodePaymasterExpired         = "AA32"
	CodePaymasterSignature       = "AA34"
	CodeVerificationGasTooLow    = "AA41"
	CodeCallGasTooLow            = "CALL_GAS_TOO_LOW"
	CodePreVerificationGasTooLow = "PVG_TOO_LOW"
	CodeInvalidFields            = "INVALID_FIELDS"
	CodeDuplicateUserOp          = "DUPLICATE_USEROP"
)

// Rule names distinguish failures that share an AA code.
const (
	RulePaymasterExpired     = "PaymasterExpired"
	RulePaymasterNotYetValid = "PaymasterNotYetValid"
)

// JSON-RPC error codes used by ERC-4337 bundlers.
const (
	RPCCodeInvalidParams       = -32602
	RPCCodeRejectedByAccount   = -32500
	RPCCodeRejectedByPaymaster = -32501
	RPCCodeExecutionReverted   = -32521
	RPCCodeInternal            = -32603
)

// ValidationError is an admission-time rejection. Callers match on Code.
type ValidationError struct {
	Code   string
	Rule   string
	Reason string
}

func NewValidationError(code, reason string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(reason, args...)}
}

func (e *ValidationError) WithRule(rule string) *ValidationError {
	e.Rule = rule
	return e
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Code, e.Reason)
}

// Is matches on Code, and on Rule when the target names one.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Rule == "" || t.Rule == e.Rule
}

// ErrorCode implements rpc.Error.
func (e *ValidationError) ErrorCode() int {
	switch {
	case strings.HasPrefix(e.Code, "AA2"), strings.HasPrefix(e.Code, "AA1"), e.Code == CodeVerificationGasTooLow:
		return RPCCodeRejectedByAccount
	case strings.HasPrefix(e.Code, "AA3"):
		return RPCCodeRejectedByPaymaster
	default:
		return RPCCodeInvalidParams
	}
}

// ErrorData implements rpc.DataError.
func (e *ValidationError) ErrorData() interface{} {
	data := map[string]string{"code": e.Code}
	if e.Rule != "" {
		data["rule"] = e.Rule
	}
	return data
}

// ValidationCode returns the code of the first ValidationError in err's chain.
func ValidationCode(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}

// SimulationRevert is returned when a simulated frame reverts during estimation.
type SimulationRevert struct {
	Reason string
	Data   []byte
}

func (e *SimulationRevert) Error() string {
	return "execution reverted: " + e.Reason
}

func (e *SimulationRevert) ErrorCode() int {
	return RPCCodeExecutionReverted
}

func (e *SimulationRevert) ErrorData() interface{} {
	return map[string]string{"reason": e.Reason}
}

// InfraError reports a node or transport failure. Operations it touched stay Pending.
type InfraError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *InfraError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

func (e *InfraError) ErrorCode() int {
	return RPCCodeInternal
}

// IsInfraError reports whether err carries an InfraError.
func IsInfraError(err error) bool {
	var infra *InfraError
	return errors.As(err, &infra)
}

// ErrUserOpNotFound is returned for hashes the bundler has never seen or already forgot.
var ErrUserOpNotFound = errors.New("user operation not found")
