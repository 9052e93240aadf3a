package upstream

import "errors"

var (
	ErrRateLimited      = errors.New("rate limited by upstream")
	ErrThrottled        = errors.New("retry-after deadline active")
	ErrBudgetExhausted  = errors.New("request budget exhausted for window")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotConfigured    = errors.New("service not configured")
	ErrUnexpectedStatus = errors.New("unexpected upstream status")
)
