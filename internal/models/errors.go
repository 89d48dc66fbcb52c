package models

import "errors"

var (
	// ErrAuthentication is fatal: the process stops and the operator has to act
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransientFetch aborts the cycle; the next interval retries
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrStoreCommit aborts the cycle without a partially applied snapshot
	ErrStoreCommit = errors.New("snapshot store error")

	// ErrDelivery is scoped to a single delivery unit
	ErrDelivery = errors.New("delivery failed")
)
