package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bid-dispatch/internal/models"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrRequestNotFound    = errors.New("request not found")
)

// OrderStore persists delivery requests and their bids. The coordinator holds
// the authoritative in-memory state and writes through.
type OrderStore interface {
	SaveRequest(ctx context.Context, r *models.DeliveryRequest) error
	UpdateRequest(ctx context.Context, r *models.DeliveryRequest) error
	SaveBid(ctx context.Context, b *models.Bid) error
	UpdateBid(ctx context.Context, b *models.Bid) error
	GetRequest(ctx context.Context, requestID string) (*models.DeliveryRequest, []models.Bid, error)
}

// WalletStore persists wallets and their append-only transaction ledger.
// ApplyEntry is the single mutation point: it records the transaction and
// moves the balance by delta as one atomic unit, or not at all. A non-empty
// tx.Reference is enforced unique so settlements apply exactly once. When
// allowNegative is false the entry fails with ErrInsufficientFunds rather
// than driving the balance below zero.
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	CreateWallet(ctx context.Context, userID string) (*models.Wallet, error)
	ApplyEntry(ctx context.Context, userID string, delta int64, tx *models.Transaction, allowNegative bool) (int64, error)
}

// MemoryOrderStore is the non-durable fallback used in tests and local runs.
type MemoryOrderStore struct {
	mu       sync.RWMutex
	requests map[string]models.DeliveryRequest
	bids     map[string]models.Bid
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{requests: make(map[string]models.DeliveryRequest), bids: make(map[string]models.Bid)}
}

func (m *MemoryOrderStore) SaveRequest(ctx context.Context, r *models.DeliveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryOrderStore) UpdateRequest(ctx context.Context, r *models.DeliveryRequest) error {
	return m.SaveRequest(ctx, r)
}

func (m *MemoryOrderStore) SaveBid(ctx context.Context, b *models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids[b.ID] = *b
	return nil
}

func (m *MemoryOrderStore) UpdateBid(ctx context.Context, b *models.Bid) error {
	return m.SaveBid(ctx, b)
}

func (m *MemoryOrderStore) GetRequest(ctx context.Context, requestID string) (*models.DeliveryRequest, []models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, nil, ErrRequestNotFound
	}
	var bids []models.Bid
	for _, b := range m.bids {
		if b.RequestID == requestID {
			bids = append(bids, b)
		}
	}
	return &r, bids, nil
}

type walletRec struct {
	wallet models.Wallet
	txs    []models.Transaction
}

// MemoryWalletStore keeps the ledger in process memory with the same
// atomicity contract as the Postgres store.
type MemoryWalletStore struct {
	mu      sync.Mutex
	byUser  map[string]*walletRec
	refSeen map[string]bool
}

func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{byUser: make(map[string]*walletRec), refSeen: make(map[string]bool)}
}

func (m *MemoryWalletStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w := rec.wallet
	return &w, nil
}

func (m *MemoryWalletStore) CreateWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byUser[userID]; ok {
		w := rec.wallet
		return &w, nil
	}
	now := time.Now()
	rec := &walletRec{wallet: models.Wallet{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}}
	m.byUser[userID] = rec
	w := rec.wallet
	return &w, nil
}

func (m *MemoryWalletStore) ApplyEntry(ctx context.Context, userID string, delta int64, tx *models.Transaction, allowNegative bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byUser[userID]
	if !ok {
		return 0, ErrWalletNotFound
	}
	if tx.Reference != "" && m.refSeen[tx.Reference] {
		return rec.wallet.Balance, ErrDuplicateReference
	}
	if !allowNegative && rec.wallet.Balance+delta < 0 {
		return rec.wallet.Balance, ErrInsufficientFunds
	}
	entry := *tx
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.WalletID = rec.wallet.ID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	rec.txs = append(rec.txs, entry)
	if entry.Reference != "" {
		m.refSeen[entry.Reference] = true
	}
	rec.wallet.Balance += delta
	rec.wallet.UpdatedAt = time.Now()
	return rec.wallet.Balance, nil
}

// Transactions returns a copy of the ledger entries for a user's wallet.
func (m *MemoryWalletStore) Transactions(userID string) []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]models.Transaction, len(rec.txs))
	copy(out, rec.txs)
	return out
}
