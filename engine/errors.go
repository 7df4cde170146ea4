/*
errors.go - Error taxonomy of the engine

CATEGORIES:
  1. Configuration errors - the term or installment amounts cannot produce
     a valid schedule. Fatal: the caller fixes the input and retries.
  2. Per-contract processing errors - one contract failed inside a batch.
     Collected into reports, never thrown across the batch.
  3. Store and servicing errors - lookups, duplicate payments, lifecycle.

Overpayment is NOT an error. It is reported as AllocationResult.Unapplied.

SEE ALSO:
  - schedule.go, sizing.go: return ConfigurationError
  - penalty.go: wraps failures in ContractError
  - contract/service.go: maps store failures onto these sentinels
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is the root of every invalid-term failure.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidPayment is returned for non-positive or malformed payments.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrDuplicatePayment is returned when a payment id was already posted.
	ErrDuplicatePayment = errors.New("payment already posted")

	ErrContractNotFound    = errors.New("contract not found")
	ErrPenaltyRuleNotFound = errors.New("penalty rule not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrSettlementNotFound  = errors.New("settlement not found")

	// ErrContractNotActive is returned when an operation needs an active contract.
	ErrContractNotActive = errors.New("contract is not active")

	// ErrScheduleLocked is returned when regeneration would discard paid lines.
	ErrScheduleLocked = errors.New("schedule has payments and cannot be regenerated")

	// ErrAccrualAlreadyRun is returned by stores when a contract was already
	// accrued for the run date.
	ErrAccrualAlreadyRun = errors.New("penalty accrual already recorded for date")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError names the offending input.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ContractError is a failure scoped to one contract of a batch.
type ContractError struct {
	ContractID ContractID
	Op         string
	Err        error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract %s: %s: %v", e.ContractID, e.Op, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidPayment) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrContractNotActive) ||
		errors.Is(err, ErrScheduleLocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrPenaltyRuleNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrSettlementNotFound)
}
