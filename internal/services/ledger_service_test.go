package service

import (
	"context"
	"sync"
	"testing"

	"github.com/honeynil/PointsLedgerService/internal/models"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerService_ApplyTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("DerivesCategoryFromSign", func(t *testing.T) {
		f := newFixture()
		tx, err := f.ledger.ApplyTransaction(ctx, models.TransactionRequest{
			UserID:      "u1",
			Points:      -15,
			Description: "  Late return  ",
		})
		require.NoError(t, err)
		assert.Equal(t, models.CategoryDebit, tx.Category)
		assert.Equal(t, "Late return", tx.Description)
		assert.NotEmpty(t, tx.ID)

		balance, err := f.ledger.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(-15), balance)
		assert.Equal(t, 1, f.producer.count(EventTransactionApplied))
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		f := newFixture()
		cases := map[string]models.TransactionRequest{
			"zero points":       {UserID: "u1", Points: 0, Description: "x"},
			"empty description": {UserID: "u1", Points: 5, Description: "   "},
			"missing user":      {Points: 5, Description: "x"},
			"category mismatch": {UserID: "u1", Points: 5, Description: "x", Category: models.CategoryDebit},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := f.ledger.ApplyTransaction(ctx, req)
				assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
			})
		}
		balance, _ := f.ledger.GetBalance(ctx, "u1")
		assert.Equal(t, int64(0), balance)
		assert.Equal(t, 0, f.producer.count(EventTransactionApplied))
	})

	t.Run("IdempotencyKeyAppliesOnce", func(t *testing.T) {
		f := newFixture()
		req := models.TransactionRequest{UserID: "u1", Points: 5, Description: "Garden", IdempotencyKey: "earn:evt-1"}

		first, err := f.ledger.ApplyTransaction(ctx, req)
		require.NoError(t, err)
		second, err := f.ledger.ApplyTransaction(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		balance, _ := f.ledger.GetBalance(ctx, "u1")
		assert.Equal(t, int64(5), balance)
		assert.Equal(t, 1, f.producer.count(EventTransactionApplied))
	})

	t.Run("ConcurrentCreditsBothLand", func(t *testing.T) {
		f := newFixture()
		f.credit("u1", 100)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.ledger.ApplyTransaction(ctx, models.TransactionRequest{UserID: "u1", Points: 5, Description: "Helped"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		balance, _ := f.ledger.GetBalance(ctx, "u1")
		assert.Equal(t, int64(110), balance)
	})
}

func TestLedgerService_BalanceEqualsHistorySum(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, p := range []int64{185, -20, 7, -60, 3} {
		f.credit("u1", p)
	}

	page, err := f.ledger.ListTransactions(ctx, "u1", 0, 0)
	require.NoError(t, err)
	var sum int64
	for _, tx := range page.Transactions {
		sum += tx.Points
	}
	balance, _ := f.ledger.GetBalance(ctx, "u1")
	assert.Equal(t, sum, balance)
	assert.Equal(t, int64(3), page.Transactions[0].Points)
	assert.Zero(t, page.NextBefore)

	d, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestLedgerService_Leaderboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	users := f.store.Users()
	require.NoError(t, users.Upsert(ctx, &models.User{ID: "a", Name: "Ann", Role: models.RoleResident}))
	require.NoError(t, users.Upsert(ctx, &models.User{ID: "b", Name: "Ben", Role: models.RoleResident}))
	f.credit("a", 10)
	f.credit("b", 20)

	entries, err := f.ledger.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Ben", entries[0].Name)
	assert.True(t, f.redis.has(leaderboardKey))

	f.credit("a", 50)
	assert.False(t, f.redis.has(leaderboardKey))

	entries, err = f.ledger.Leaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LeaderboardEntry{Rank: 1, UserID: "a", Name: "Ann", Balance: 60}, entries[0])
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, clampLimit(0))
	assert.Equal(t, DefaultListLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxListLimit, clampLimit(10_000))
}

func TestLedgerService_HistoryPagesCoverWholeLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for i := 0; i < 260; i++ {
		f.credit("u1", 1)
	}
	f.credit("u2", 9)

	var (
		sum    int64
		seen   = make(map[string]bool)
		before int64
		pages  int
	)
	for {
		page, err := f.ledger.ListTransactions(ctx, "u1", before, MaxListLimit)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Transactions), MaxListLimit)
		for _, tx := range page.Transactions {
			require.False(t, seen[tx.ID], "transaction %s returned twice", tx.ID)
			seen[tx.ID] = true
			sum += tx.Points
		}
		pages++
		if page.NextBefore == 0 {
			break
		}
		before = page.NextBefore
	}

	balance, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(260), balance)
	assert.Equal(t, balance, sum)
	assert.Len(t, seen, 260)
	assert.Equal(t, 2, pages)
}

func TestLedgerService_ListTransactions_NegativeCursor(t *testing.T) {
	f := newFixture()
	_, err := f.ledger.ListTransactions(context.Background(), "u1", -1, 0)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}
