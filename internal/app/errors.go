package app

import (
	"errors"
	"fmt"
)

var (
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrRequestNotFound    = errors.New("consent request not found")
	ErrConsentInvalid     = errors.New("consent is not valid for this operation")
	ErrNotFound           = errors.New("consent not found")
	ErrInvalidScopes      = errors.New("permissions must be a non-empty list of known scopes")
	ErrInvalidDecision    = errors.New("decision must be approve or reject")
	ErrInvalidAmount      = errors.New("amount must be a positive value with at most two decimals")
	ErrInvalidAccount     = errors.New("source and destination accounts are required")
	ErrSameAccount        = errors.New("source and destination accounts must differ")
	ErrAccountNotOwned    = errors.New("account does not belong to the caller")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTransfer    = errors.New("transfer requires a sending bank, an account and a positive amount")
)

// RateLimitedError is returned when a caller exceeded its login budget.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts; retry after %d seconds", e.RetryAfterSeconds)
}
