// Package memory implements the repository interfaces over process memory.
// One mutex guards all state, so every method is a serialized unit of work.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
)

// Store holds all ledger state in memory.
type Store struct {
	mu       sync.Mutex
	seq      int64
	balances map[string]int64
	txs      []models.Transaction
	byKey    map[string]int
	vouchers []models.Voucher
	orders   []models.Order
	rewards  map[string]models.Reward
	users    map[string]models.User

	// Indexes into vouchers and orders. liveCodes holds only PENDING and
	// FULFILLED vouchers, lastCode the newest voucher under each code.
	voucherByID map[string]int
	liveCodes   map[string]int
	lastCode    map[string]int
	pending     map[string]int64
	orderByCode map[string]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		balances: make(map[string]int64),
		byKey:    make(map[string]int),
		rewards:  make(map[string]models.Reward),
		users:    make(map[string]models.User),

		voucherByID: make(map[string]int),
		liveCodes:   make(map[string]int),
		lastCode:    make(map[string]int),
		pending:     make(map[string]int64),
		orderByCode: make(map[string]int),
	}
}

func (s *Store) Ledger() *LedgerRepository    { return &LedgerRepository{s: s} }
func (s *Store) Vouchers() *VoucherRepository { return &VoucherRepository{s: s} }
func (s *Store) Orders() *OrderRepository     { return &OrderRepository{s: s} }
func (s *Store) Rewards() *RewardRepository   { return &RewardRepository{s: s} }
func (s *Store) Users() *UserRepository       { return &UserRepository{s: s} }

// SeedRewards loads catalog entries, replacing entries with the same id.
func (s *Store) SeedRewards(rewards ...models.Reward) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rewards {
		s.rewards[r.ID] = r
	}
}

// apply is the only balance write path. Callers hold s.mu.
func (s *Store) apply(tx *models.Transaction) (*models.Transaction, bool) {
	if tx.IdempotencyKey != "" {
		if i, ok := s.byKey[tx.IdempotencyKey]; ok {
			existing := s.txs[i]
			return &existing, false
		}
	}
	s.seq++
	stored := *tx
	stored.Seq = s.seq
	s.txs = append(s.txs, stored)
	if stored.IdempotencyKey != "" {
		s.byKey[stored.IdempotencyKey] = len(s.txs) - 1
	}
	s.balances[stored.UserID] += stored.Points
	tx.Seq = stored.Seq
	return &stored, true
}

// leavePending moves the voucher at i out of PENDING. Callers hold s.mu.
func (s *Store) leavePending(i int, status models.VoucherStatus) *models.Voucher {
	v := &s.vouchers[i]
	s.pending[v.UserID] -= v.Cost
	if s.pending[v.UserID] == 0 {
		delete(s.pending, v.UserID)
	}
	if !status.Live() {
		delete(s.liveCodes, v.Code)
	}
	v.Status = status
	return v
}

// checkCtx reports a done context as an unavailable store, the same way the
// postgres repositories classify a cancelled query.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrStoreUnavailable, err)
	}
	return nil
}

type LedgerRepository struct{ s *Store }

func (r *LedgerRepository) Apply(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	if tx == nil {
		return nil, false, pkgerrors.ErrNilTransaction
	}
	if err := checkCtx(ctx); err != nil {
		return nil, false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, applied := r.s.apply(tx)
	return stored, applied, nil
}

func (r *LedgerRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.balances[userID], nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID string, beforeSeq int64, limit int) ([]models.Transaction, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// txs is in seq order, so walking it backwards yields newest first.
	out := make([]models.Transaction, 0)
	for i := len(r.s.txs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		tx := r.s.txs[i]
		if tx.UserID != userID || (beforeSeq > 0 && tx.Seq >= beforeSeq) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (r *LedgerRepository) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entries := make([]models.LeaderboardEntry, 0)
	for id, u := range r.s.users {
		if u.Role == models.RoleResident {
			entries = append(entries, models.LeaderboardEntry{UserID: id, Name: u.Name, Balance: r.s.balances[id]})
		}
	}
	for id, balance := range r.s.balances {
		if _, known := r.s.users[id]; !known {
			entries = append(entries, models.LeaderboardEntry{UserID: id, Name: id, Balance: balance})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Balance != entries[j].Balance {
			return entries[i].Balance > entries[j].Balance
		}
		return entries[i].UserID < entries[j].UserID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (r *LedgerRepository) Discrepancies(ctx context.Context) ([]models.Discrepancy, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sums := make(map[string]int64)
	for _, tx := range r.s.txs {
		sums[tx.UserID] += tx.Points
	}
	out := make([]models.Discrepancy, 0)
	for id, balance := range r.s.balances {
		if sums[id] != balance {
			out = append(out, models.Discrepancy{UserID: id, Materialized: balance, LogSum: sums[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type VoucherRepository struct{ s *Store }

func (r *VoucherRepository) CreatePending(ctx context.Context, v *models.Voucher) error {
	if v == nil {
		return pkgerrors.ErrNilVoucher
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, taken := r.s.liveCodes[v.Code]; taken {
		return pkgerrors.ErrCodeTaken
	}
	if r.s.balances[v.UserID]-r.s.pending[v.UserID] < v.Cost {
		return pkgerrors.ErrInsufficientPoints
	}
	r.s.vouchers = append(r.s.vouchers, *v)
	i := len(r.s.vouchers) - 1
	r.s.voucherByID[v.ID] = i
	r.s.liveCodes[v.Code] = i
	r.s.lastCode[v.Code] = i
	r.s.pending[v.UserID] += v.Cost
	return nil
}

func (r *VoucherRepository) GetByID(ctx context.Context, id string) (*models.Voucher, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.voucherByID[id]
	if !ok {
		return nil, pkgerrors.ErrVoucherNotFound
	}
	v := r.s.vouchers[i]
	return &v, nil
}

func (r *VoucherRepository) GetByCode(ctx context.Context, code string) (*models.Voucher, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.lastCode[code]
	if !ok {
		return nil, pkgerrors.ErrVoucherNotFound
	}
	v := r.s.vouchers[i]
	return &v, nil
}

func (r *VoucherRepository) pendingIndex(code, userID string) int {
	i, ok := r.s.liveCodes[code]
	if !ok {
		return -1
	}
	v := r.s.vouchers[i]
	if v.Status != models.VoucherPending || (userID != "" && v.UserID != userID) {
		return -1
	}
	return i
}

func (r *VoucherRepository) Fulfill(ctx context.Context, code string, at time.Time, build repository.DebitBuilder) (*models.Voucher, *models.Transaction, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	i := r.pendingIndex(code, "")
	if i < 0 {
		return nil, nil, pkgerrors.ErrVoucherNotFound
	}
	v := &r.s.vouchers[i]
	if r.s.balances[v.UserID] < v.Cost {
		return nil, nil, pkgerrors.ErrInsufficientPointsAtFulfillment
	}

	snapshot := *v
	stored, _ := r.s.apply(build(&snapshot))
	v = r.s.leavePending(i, models.VoucherFulfilled)
	v.FulfilledAt = &at
	v.TransactionID = stored.ID

	out := *v
	return &out, stored, nil
}

func (r *VoucherRepository) Close(ctx context.Context, code, userID string, status models.VoucherStatus, at time.Time) (*models.Voucher, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	i := r.pendingIndex(code, userID)
	if i < 0 {
		return nil, pkgerrors.ErrVoucherNotFound
	}
	v := r.s.leavePending(i, status)
	v.ClosedAt = &at
	out := *v
	return &out, nil
}

func (r *VoucherRepository) ExpirePending(ctx context.Context, cutoff, at time.Time) ([]models.Voucher, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]models.Voucher, 0)
	for i := range r.s.vouchers {
		if v := r.s.vouchers[i]; v.Status != models.VoucherPending || !v.CreatedAt.Before(cutoff) {
			continue
		}
		v := r.s.leavePending(i, models.VoucherExpired)
		closedAt := at
		v.ClosedAt = &closedAt
		out = append(out, *v)
	}
	return out, nil
}

func (r *VoucherRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Voucher, error) {
	return r.list(ctx, limit, func(v models.Voucher) bool { return v.UserID == userID })
}

func (r *VoucherRepository) ListRecent(ctx context.Context, limit int) ([]models.Voucher, error) {
	return r.list(ctx, limit, func(models.Voucher) bool { return true })
}

func (r *VoucherRepository) list(ctx context.Context, limit int, keep func(models.Voucher) bool) ([]models.Voucher, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]models.Voucher, 0)
	for i := len(r.s.vouchers) - 1; i >= 0; i-- {
		if keep(r.s.vouchers[i]) {
			out = append(out, r.s.vouchers[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type OrderRepository struct{ s *Store }

func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order == nil {
		return pkgerrors.ErrNilOrder
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, taken := r.s.orderByCode[order.Code]; taken {
		return pkgerrors.ErrCodeTaken
	}
	stored := *order
	stored.Items = append([]models.LineItem(nil), order.Items...)
	r.s.orders = append(r.s.orders, stored)
	r.s.orderByCode[stored.Code] = len(r.s.orders) - 1
	return nil
}

func (r *OrderRepository) GetByCode(ctx context.Context, code string) (*models.Order, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.orderByCode[code]
	if !ok {
		return nil, pkgerrors.ErrOrderNotFound
	}
	o := r.s.orders[i]
	return &o, nil
}

func (r *OrderRepository) Complete(ctx context.Context, code string, at time.Time) (*models.Order, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.orderByCode[code]
	if !ok {
		return nil, pkgerrors.ErrOrderNotFound
	}
	o := &r.s.orders[i]
	if o.Status != models.OrderPending {
		return nil, pkgerrors.ErrAlreadyCompleted
	}
	o.Status = models.OrderCompleted
	o.CompletedAt = &at
	out := *o
	return &out, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Order, 0)
	for i := len(r.s.orders) - 1; i >= 0; i-- {
		if r.s.orders[i].UserID == userID {
			out = append(out, r.s.orders[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type RewardRepository struct{ s *Store }

func (r *RewardRepository) GetByID(ctx context.Context, id string) (*models.Reward, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rw, ok := r.s.rewards[id]
	if !ok {
		return nil, pkgerrors.ErrRewardNotFound
	}
	return &rw, nil
}

type UserRepository struct{ s *Store }

func (r *UserRepository) Upsert(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" || user.Name == "" {
		return pkgerrors.ErrInvalidInput
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[user.ID] = *user
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

var (
	_ repository.LedgerRepository  = (*LedgerRepository)(nil)
	_ repository.VoucherRepository = (*VoucherRepository)(nil)
	_ repository.OrderRepository   = (*OrderRepository)(nil)
	_ repository.RewardRepository  = (*RewardRepository)(nil)
	_ repository.UserRepository    = (*UserRepository)(nil)
)
