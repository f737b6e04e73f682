package models

import "time"

type Voucher struct {
	ID            string        `json:"id"`
	Code          string        `json:"code"`
	UserID        string        `json:"user_id"`
	RewardID      string        `json:"reward_id"`
	RewardName    string        `json:"reward_name"`
	Cost          int64         `json:"cost"`
	Status        VoucherStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	FulfilledAt   *time.Time    `json:"fulfilled_at,omitempty"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
}

type VoucherStatus string

const (
	VoucherPending   VoucherStatus = "PENDING"
	VoucherFulfilled VoucherStatus = "FULFILLED"
	VoucherCancelled VoucherStatus = "CANCELLED"
	VoucherExpired   VoucherStatus = "EXPIRED"
)

// Live reports whether the voucher still holds its code.
func (s VoucherStatus) Live() bool {
	return s == VoucherPending || s == VoucherFulfilled
}

// VoucherView is what staff see after scanning a code.
type VoucherView struct {
	Voucher        Voucher `json:"voucher"`
	ResidentName   string  `json:"resident_name"`
	CurrentBalance int64   `json:"current_balance"`
}
