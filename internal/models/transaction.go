package models

import "time"

type Transaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Points         int64     `json:"points"`
	Description    string    `json:"description"`
	Category       Category  `json:"category"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	// Seq is the store's insertion order. History pages are keyed on it.
	Seq int64 `json:"seq"`
}

// TransactionPage is one slice of a user's history, newest first. NextBefore
// is the cursor for the following page and is zero on the last page.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextBefore   int64         `json:"next_before,omitempty"`
}

type Category string

const (
	CategoryCredit Category = "credit"
	CategoryDebit  Category = "debit"
)

// CategoryFor returns the category matching the sign of points.
func CategoryFor(points int64) Category {
	if points < 0 {
		return CategoryDebit
	}
	return CategoryCredit
}

// TransactionRequest is the input of the transaction engine.
type TransactionRequest struct {
	UserID         string
	Points         int64
	Description    string
	Category       Category
	IdempotencyKey string
}

type LeaderboardEntry struct {
	Rank    int    `json:"rank"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

type Balance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// Discrepancy is a balance whose materialized value differs from its log sum.
type Discrepancy struct {
	UserID       string `json:"user_id"`
	Materialized int64  `json:"materialized"`
	LogSum       int64  `json:"log_sum"`
}
