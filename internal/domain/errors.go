package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrValidation       = errors.New("invalid parameters")
	ErrCapitalExhausted = errors.New("capital exhausted")
	ErrDailyLimitBreach = errors.New("daily loss limit breached")
	ErrConsensusTimeout = errors.New("consensus timeout")
	ErrQuorumFailure    = errors.New("consensus quorum not met")
	ErrRateLimited      = errors.New("rate limited")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrStrategyDisabled = errors.New("strategy disabled")
	ErrLockHeld         = errors.New("lock already held")
	ErrContextDone      = errors.New("context cancelled")
)
