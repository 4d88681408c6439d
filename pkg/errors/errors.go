package apperrors

import "errors"

// Standardized connector errors
var (
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
	ErrConfigInvalid          = errors.New("config invalid")
	ErrTimeout                = errors.New("timeout")
	ErrTransport              = errors.New("transport error")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrProtocolViolation      = errors.New("protocol violation")
	ErrNotConnected           = errors.New("not connected")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidOrderParameter  = errors.New("invalid order parameter")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrTimestampOutOfBounds   = errors.New("timestamp out of bounds")
)
