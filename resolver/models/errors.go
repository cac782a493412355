package models

import "fmt"

var (
	ErrNotFound            = fmt.Errorf("not found")
	ErrConflict            = fmt.Errorf("conflict")
	ErrInvalidConfig       = fmt.Errorf("invalid configuration")
	ErrInsufficientFunds   = fmt.Errorf("insufficient funds")
	ErrLockTimeout         = fmt.Errorf("lock timeout")
	ErrWhitelistFetch      = fmt.Errorf("whitelist fetch failed")
	ErrSettlementFailed    = fmt.Errorf("settlement failed")
	ErrUnsupportedCurrency = fmt.Errorf("unsupported currency")
)

// ReasonCode is attached to every declined authorization; approvals carry
// ReasonApproved. There are no silent declines.
type ReasonCode string

const (
	ReasonApproved            ReasonCode = "approved"
	ReasonInsufficientFunds   ReasonCode = "insufficient_funds"
	ReasonInvalidConfig       ReasonCode = "invalid_config"
	ReasonUnsupportedCurrency ReasonCode = "unsupported_currency"
	ReasonLockTimeout         ReasonCode = "lock_timeout"
	ReasonExpiredCard         ReasonCode = "expired_card"
	ReasonInvalidCard         ReasonCode = "invalid_card"
	ReasonSettlementFailed    ReasonCode = "settlement_failed"
)
