package order

import (
	"errors"
	"fmt"
)

// Sentinel errors for the acceptance and matching paths. Callers branch with
// errors.Is / errors.As.
var (
	ErrValidation            = errors.New("order validation failed")
	ErrOrderBookNotFound     = errors.New("order book not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrTimeout               = errors.New("operation timed out")
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// InsufficientFeeError carries the computed minimum for user-facing
// diagnostics.
type InsufficientFeeError struct {
	Required int64
	Asset    Asset
	Declared int64
}

func (e *InsufficientFeeError) Error() string {
	return fmt.Sprintf("fee %d is below required minimum %d %s", e.Declared, e.Required, e.Asset)
}

// BalanceTooLowError reports the shortfall preventing a reservation.
type BalanceTooLowError struct {
	Account   string
	Asset     Asset
	Required  int64
	Available int64
}

func (e *BalanceTooLowError) Error() string {
	return fmt.Sprintf("account %s: need %d %s, available %d", e.Account, e.Required, e.Asset, e.Available)
}

// UnexpectedFeeAssetError rejects a fee asset the active fee mode does not
// accept.
type UnexpectedFeeAssetError struct {
	Got      Asset
	Expected []Asset
}

func (e *UnexpectedFeeAssetError) Error() string {
	return fmt.Sprintf("fee asset %s not accepted, expected one of %v", e.Got, e.Expected)
}
