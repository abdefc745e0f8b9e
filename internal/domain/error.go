package domain

import (
	"context"
	"errors"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUserNotFound    = errors.New("user not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUnauthorized    = errors.New("unauthorized")

	// Payment protocol errors
	ErrSignatureInvalid       = errors.New("signature invalid")
	ErrAmountMismatch         = errors.New("amount mismatch")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrAlreadyProcessed       = errors.New("transaction already processed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPlanNotFound           = errors.New("plan not found")
	ErrPlanMismatch           = errors.New("plan does not match transaction")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrPersistenceFailure     = errors.New("persistence failure")
	ErrPrepareMismatch        = errors.New("prepare id mismatch")
	ErrMalformedRequest       = errors.New("malformed request")
	ErrTransactionCancelled   = errors.New("transaction cancelled")
	ErrUnknownProvider        = errors.New("unknown payment provider")
)

// ErrorKind is the closed classification of payment errors used at adapter boundaries.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindSignatureInvalid       ErrorKind = "signature_invalid"
	KindAmountMismatch         ErrorKind = "amount_mismatch"
	KindTransactionNotFound    ErrorKind = "transaction_not_found"
	KindAlreadyProcessed       ErrorKind = "already_processed"
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	KindPlanNotFound           ErrorKind = "plan_not_found"
	KindProviderUnavailable    ErrorKind = "provider_unavailable"
	KindPersistenceFailure     ErrorKind = "persistence_failure"
	KindUserNotFound           ErrorKind = "user_not_found"
	KindMalformedRequest       ErrorKind = "malformed_request"
	KindTransactionCancelled   ErrorKind = "transaction_cancelled"
)

// Retryable reports whether the caller should retry the operation later.
func (k ErrorKind) Retryable() bool {
	return k == KindProviderUnavailable || k == KindPersistenceFailure
}

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrSignatureInvalid, KindSignatureInvalid},
	{ErrAmountMismatch, KindAmountMismatch},
	{ErrPrepareMismatch, KindTransactionNotFound},
	{ErrTransactionNotFound, KindTransactionNotFound},
	{ErrAlreadyProcessed, KindAlreadyProcessed},
	{ErrTransactionCancelled, KindTransactionCancelled},
	{ErrInvalidStateTransition, KindInvalidStateTransition},
	{ErrAlreadyExists, KindInvalidStateTransition},
	{ErrPlanNotFound, KindPlanNotFound},
	{ErrPlanMismatch, KindPlanNotFound},
	{ErrProviderUnavailable, KindProviderUnavailable},
	{context.DeadlineExceeded, KindProviderUnavailable},
	{ErrPersistenceFailure, KindPersistenceFailure},
	{ErrUserNotFound, KindUserNotFound},
	{ErrMalformedRequest, KindMalformedRequest},
	{ErrInvalidArgument, KindMalformedRequest},
}

// Kind classifies err. Unknown errors are treated as persistence failures so the
// provider retries rather than receiving a terminal rejection.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindPersistenceFailure
}
