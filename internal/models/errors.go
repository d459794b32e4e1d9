package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services.
var (
	// ErrEvaluationInFlight means a dispatch was attempted while a
	// younger evaluation is still running for the same bot.
	ErrEvaluationInFlight = errors.New("evaluation already in flight")

	// ErrMissingCredentials means a bot has no broker credentials and is
	// skipped until an operator intervenes.
	ErrMissingCredentials = errors.New("bot is missing broker credentials")

	// ErrNotFound is returned by the store for unknown rows.
	ErrNotFound = errors.New("not found")

	// ErrTradeNotOpen guards the reconciler/runner write race: closing a
	// trade that is no longer OPEN is refused instead of overwritten.
	ErrTradeNotOpen = errors.New("trade is not open")
)

// TransientError wraps a collaborator timeout or flake. Transient
// failures are retried on the next tick and are never fatal to the
// coordinator.
type TransientError struct {
	Collaborator string // "market-data", "decision", "broker"
	Err          error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Collaborator, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the named collaborator.
func Transient(collaborator string, err error) error {
	return &TransientError{Collaborator: collaborator, Err: err}
}

// IsTransient reports whether err is a collaborator flake.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IntegrityError marks a discrepancy between local records and broker
// truth: phantom trades, orphaned positions, balance drift. These are
// classified and repaired by the reconciler, never silently dropped.
type IntegrityError struct {
	Kind    string // "phantom", "orphaned", "untracked", "balance-drift"
	TradeID string
	Detail  string
}

func (e *IntegrityError) Error() string {
	if e.TradeID != "" {
		return fmt.Sprintf("integrity violation (%s) on trade %s: %s", e.Kind, e.TradeID, e.Detail)
	}
	return fmt.Sprintf("integrity violation (%s): %s", e.Kind, e.Detail)
}
