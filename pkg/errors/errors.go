package errors

import (
	"errors"
)

var (
	ErrInsufficientPoints              = errors.New("not enough points for this reward")
	ErrInsufficientPointsAtFulfillment = errors.New("resident no longer has enough points to cover this voucher")
	ErrVoucherNotFound                 = errors.New("voucher code is invalid or has already been used")
	ErrOrderNotFound                   = errors.New("order not found")
	ErrAlreadyCompleted                = errors.New("order has already been completed")
	ErrStoreUnavailable                = errors.New("ledger store is temporarily unavailable, please retry")
	ErrInvalidInput                    = errors.New("invalid input")
	ErrRewardNotFound                  = errors.New("reward not found")
	ErrForbidden                       = errors.New("not allowed for this role")
	ErrUnauthenticated                 = errors.New("user not authenticated")
	ErrRequestInProgress               = errors.New("an identical request is still being processed")
	ErrCodeSpaceExhausted              = errors.New("could not allocate a unique code")
	ErrNilTransaction                  = errors.New("transaction is nil")
	ErrNilVoucher                      = errors.New("voucher is nil")
	ErrNilOrder                        = errors.New("order is nil")
	// ErrCodeTaken is returned by stores when a freshly drawn code collides
	// with a live one. Services redraw on it.
	ErrCodeTaken = errors.New("code already in use")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInsufficientPointsAtFulfillment, "insufficient_points_at_fulfillment"},
	{ErrInsufficientPoints, "insufficient_points"},
	{ErrVoucherNotFound, "voucher_not_found"},
	{ErrOrderNotFound, "order_not_found"},
	{ErrAlreadyCompleted, "already_completed"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrInvalidInput, "invalid_input"},
	{ErrRewardNotFound, "reward_not_found"},
	{ErrForbidden, "forbidden"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrRequestInProgress, "request_in_progress"},
	{ErrCodeSpaceExhausted, "code_space_exhausted"},
}

// Code returns a stable machine-readable identifier for err, or "internal"
// when err does not wrap one of the package sentinels.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// Sentinel returns the package sentinel err wraps, or nil. Its message is
// safe to show a caller; the wrapped chain may carry driver detail.
func Sentinel(err error) error {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.err
		}
	}
	return nil
}

// IsRetryable reports whether the caller may repeat the same call unchanged.
// Every other failure needs a different decision from the user.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrRequestInProgress)
}
