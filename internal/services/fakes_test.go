package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/infrastructure/redis"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/honeynil/PointsLedgerService/internal/repository/memory"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = fmt.Sprint(value)
	return nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = fmt.Sprint(value)
	return true, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedis) Ping(context.Context) error { return nil }
func (f *fakeRedis) Close() error               { return nil }

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

type fakeProducer struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakeProducer) Send(_ context.Context, _, _ string, value []byte) error {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// fixture wires every service over one in-memory store.
type fixture struct {
	store    *memory.Store
	redis    *fakeRedis
	producer *fakeProducer
	ledger   *ledgerService
	vouchers *voucherService
	orders   *orderService
}

func newFixture() *fixture {
	store := memory.New()
	store.SeedRewards(
		models.Reward{ID: "coffee", Name: "Coffee", Cost: 50, Emoji: "☕"},
		models.Reward{ID: "laundry", Name: "Laundry token", Cost: 120},
	)
	rdb := newFakeRedis()
	producer := &fakeProducer{}
	return &fixture{
		store:    store,
		redis:    rdb,
		producer: producer,
		ledger:   NewLedgerService(store.Ledger(), rdb, producer, "ledger-events"),
		vouchers: NewVoucherService(store.Vouchers(), store.Ledger(), store.Rewards(), store.Users(), rdb, producer, "ledger-events", 72*time.Hour),
		orders:   NewOrderService(store.Orders(), producer, "ledger-events"),
	}
}

func (f *fixture) credit(userID string, points int64) {
	_, err := f.ledger.ApplyTransaction(context.Background(), models.TransactionRequest{
		UserID:      userID,
		Points:      points,
		Description: "seed",
	})
	if err != nil {
		panic(err)
	}
}

// sequence returns a code generator that yields codes in order and then
// repeats the last one.
func sequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}
