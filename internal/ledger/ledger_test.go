package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/example/bid-dispatch/internal/models"
	"github.com/example/bid-dispatch/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.MemoryWalletStore) {
	t.Helper()
	store := storage.NewMemoryWalletStore()
	return NewService(store, 20, nil), store
}

func seedWallet(t *testing.T, s *Service, userID string, balance int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Store.CreateWallet(ctx, userID); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if balance > 0 {
		if _, err := s.Deposit(ctx, userID, balance, ""); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
	}
}

func TestSettleWalletMethodCreditsDriverShare(t *testing.T) {
	s, store := newService(t)
	seedWallet(t, s, "d1", 0)

	// orderTotal 1000.00 -> driver credited 800.00
	balance, err := s.SettleOrderPayment(context.Background(), "r1", "d1", 100000, models.PayWallet)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if balance != 80000 {
		t.Fatalf("expected balance 80000, got %d", balance)
	}
	txs := store.Transactions("d1")
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	if txs[0].Kind != models.TxDeposit || txs[0].Amount != 80000 {
		t.Fatalf("expected deposit of 80000, got %s %d", txs[0].Kind, txs[0].Amount)
	}
}

func TestSettleCashMethodDebitsCommissionAllowingNegative(t *testing.T) {
	s, store := newService(t)
	seedWallet(t, s, "d1", 0)

	// orderTotal 1000.00 -> commission 200.00 debited, balance goes negative
	balance, err := s.SettleOrderPayment(context.Background(), "r1", "d1", 100000, models.PayCash)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if balance != -20000 {
		t.Fatalf("expected balance -20000, got %d", balance)
	}
	txs := store.Transactions("d1")
	if len(txs) != 1 || txs[0].Kind != models.TxCommission || txs[0].Amount != 20000 {
		t.Fatalf("expected one commission of 20000, got %+v", txs)
	}
}

func TestSettleSplitSumsToTotalForOddAmounts(t *testing.T) {
	s, _ := newService(t)
	seedWallet(t, s, "d1", 0)

	// 999 does not split evenly at 20%: commission floors, driver takes the rest
	total := int64(999)
	commission := total * 20 / 100
	balance, err := s.SettleOrderPayment(context.Background(), "r1", "d1", total, models.PayWallet)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if balance != total-commission {
		t.Fatalf("expected driver share %d, got %d", total-commission, balance)
	}
}

func TestSettleIsIdempotentPerRequest(t *testing.T) {
	s, store := newService(t)
	seedWallet(t, s, "d1", 0)
	ctx := context.Background()

	first, err := s.SettleOrderPayment(ctx, "r1", "d1", 100000, models.PayWallet)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := s.SettleOrderPayment(ctx, "r1", "d1", 100000, models.PayWallet)
	if err != nil {
		t.Fatalf("retried settle: %v", err)
	}
	if first != second {
		t.Fatalf("retry changed balance: %d vs %d", first, second)
	}
	if got := len(store.Transactions("d1")); got != 1 {
		t.Fatalf("expected 1 ledger entry after retry, got %d", got)
	}
}

func TestSettleWalletNotFound(t *testing.T) {
	s, _ := newService(t)
	_, err := s.SettleOrderPayment(context.Background(), "r1", "ghost", 1000, models.PayWallet)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestSettleRejectsNonPositiveTotal(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.SettleOrderPayment(context.Background(), "r1", "d1", 0, models.PayWallet); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalanceEqualsSumOfAppliedEffects(t *testing.T) {
	s, store := newService(t)
	seedWallet(t, s, "d1", 0)
	ctx := context.Background()

	settlements := []struct {
		req    string
		total  int64
		method models.PaymentMethod
	}{
		{"r1", 100000, models.PayWallet},
		{"r2", 50000, models.PayCash},
		{"r3", 33333, models.PayWallet},
		{"r4", 120000, models.PayCash},
	}
	var balance int64
	var err error
	for _, st := range settlements {
		balance, err = s.SettleOrderPayment(ctx, st.req, "d1", st.total, st.method)
		if err != nil {
			t.Fatalf("settle %s: %v", st.req, err)
		}
	}

	var sum int64
	for _, tx := range store.Transactions("d1") {
		sum += tx.Kind.SignedEffect() * tx.Amount
	}
	if sum != balance {
		t.Fatalf("ledger sum %d != cached balance %d", sum, balance)
	}
}

func TestGetBalanceZeroWithoutWallet(t *testing.T) {
	s, _ := newService(t)
	balance, err := s.GetBalance(context.Background(), "nobody")
	if err != nil || balance != 0 {
		t.Fatalf("expected 0,<nil>, got %d,%v", balance, err)
	}
}

func TestCheckMinimumBalance(t *testing.T) {
	s, _ := newService(t)
	seedWallet(t, s, "d1", 1500)
	ok, err := s.CheckMinimumBalance(context.Background(), "d1", 1000)
	if err != nil || !ok {
		t.Fatalf("expected pass, got ok=%v err=%v", ok, err)
	}
	ok, err = s.CheckMinimumBalance(context.Background(), "d1", 2000)
	if err != nil || ok {
		t.Fatalf("expected fail, got ok=%v err=%v", ok, err)
	}
}

func TestDepositCreatesWalletAndCredits(t *testing.T) {
	s, store := newService(t)
	balance, err := s.Deposit(context.Background(), "u1", 5000, "pi_123")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if balance != 5000 {
		t.Fatalf("expected 5000, got %d", balance)
	}
	txs := store.Transactions("u1")
	if len(txs) != 1 || txs[0].Kind != models.TxDeposit || txs[0].Reference != "pi_123" {
		t.Fatalf("unexpected ledger entries: %+v", txs)
	}
}

func TestWithdrawCannotGoNegative(t *testing.T) {
	s, _ := newService(t)
	seedWallet(t, s, "u1", 1000)
	if _, err := s.Withdraw(context.Background(), "u1", 2000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err := s.Withdraw(context.Background(), "u1", 600)
	if err != nil || balance != 400 {
		t.Fatalf("expected 400,<nil>, got %d,%v", balance, err)
	}
}
