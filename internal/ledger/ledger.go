// Package ledger owns per-user balance integrity. A wallet is never mutated
// directly: every movement goes through the store's atomic entry application,
// so the cached balance always equals the sum of applied transaction effects.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/bid-dispatch/internal/models"
	"github.com/example/bid-dispatch/internal/observability"
	"github.com/example/bid-dispatch/internal/storage"
)

var (
	ErrWalletNotFound    = storage.ErrWalletNotFound
	ErrInsufficientFunds = storage.ErrInsufficientFunds
	ErrSettlementFailed  = errors.New("settlement failed")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Service applies the commission split and the supporting wallet operations.
type Service struct {
	Store             storage.WalletStore
	CommissionPercent int64 // platform share of a settled order, e.g. 20
	Logger            *slog.Logger
}

func NewService(store storage.WalletStore, commissionPercent int64, logger *slog.Logger) *Service {
	return &Service{Store: store, CommissionPercent: commissionPercent, Logger: logger}
}

// GetBalance returns the cached balance; zero if the user has no wallet yet.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	w, err := s.Store.GetWallet(ctx, userID)
	if errors.Is(err, storage.ErrWalletNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// SettleOrderPayment applies the commission split for a completed order.
//
// Wallet method: the customer paid through the platform, so the driver's
// wallet is credited with their share (total minus commission) as a Deposit.
// The platform's share is not a ledger entry here; it lives outside this core.
//
// Cash method: the driver already holds the full amount, so the commission
// owed is debited as a Commission entry. The balance may go negative; that is
// policy, paired with the advisory CheckMinimumBalance read.
//
// The settlement reference is keyed by requestID, so a retried invocation for
// the same request applies at most once and reports the current balance.
func (s *Service) SettleOrderPayment(ctx context.Context, requestID, driverID string, orderTotal int64, method models.PaymentMethod) (int64, error) {
	if orderTotal <= 0 {
		return 0, ErrInvalidAmount
	}
	commission := orderTotal * s.CommissionPercent / 100
	driverShare := orderTotal - commission

	var delta int64
	tx := models.Transaction{
		Status:    models.TxSuccess,
		Reference: "settle:" + requestID,
	}
	switch method {
	case models.PayWallet:
		delta = driverShare
		tx.Amount = driverShare
		tx.Kind = models.TxDeposit
		tx.Description = "Order earnings (wallet payment)"
	case models.PayCash:
		delta = -commission
		tx.Amount = commission
		tx.Kind = models.TxCommission
		tx.Description = "Commission deduction (cash order)"
	default:
		return 0, fmt.Errorf("%w: unknown payment method %q", ErrSettlementFailed, method)
	}

	balance, err := s.Store.ApplyEntry(ctx, driverID, delta, &tx, true)
	switch {
	case errors.Is(err, storage.ErrDuplicateReference):
		// already applied for this request; report success for exactly-once
		s.logger().Info("settlement already applied", "request_id", requestID, "driver_id", driverID)
		return balance, nil
	case errors.Is(err, storage.ErrWalletNotFound):
		return 0, ErrWalletNotFound
	case err != nil:
		observability.SettlementFailures.Inc()
		return 0, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	observability.SettlementsTotal.WithLabelValues(string(method)).Inc()
	s.logger().Info("order settled",
		"request_id", requestID, "driver_id", driverID,
		"method", method, "order_total", orderTotal, "delta", delta, "new_balance", balance)
	return balance, nil
}

// CheckMinimumBalance reports whether the driver's balance meets the
// threshold, e.g. to gate accepting further cash orders while owing
// commission. Advisory only; nothing in the ledger blocks on it.
func (s *Service) CheckMinimumBalance(ctx context.Context, driverID string, threshold int64) (bool, error) {
	balance, err := s.GetBalance(ctx, driverID)
	if err != nil {
		return false, err
	}
	return balance >= threshold, nil
}

// Deposit credits a wallet top-up, creating the wallet on first use.
// reference carries the payment gateway id when the top-up came through one.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, reference string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if _, err := s.Store.GetWallet(ctx, userID); errors.Is(err, storage.ErrWalletNotFound) {
		if _, err := s.Store.CreateWallet(ctx, userID); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	tx := models.Transaction{
		Amount:      amount,
		Kind:        models.TxDeposit,
		Status:      models.TxSuccess,
		Reference:   reference,
		Description: "Wallet top-up",
	}
	return s.Store.ApplyEntry(ctx, userID, amount, &tx, true)
}

// Withdraw debits a wallet. Unlike commission deduction, withdrawals may not
// drive the balance negative.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx := models.Transaction{
		Amount:      amount,
		Kind:        models.TxWithdrawal,
		Status:      models.TxSuccess,
		Description: "Wallet withdrawal",
	}
	return s.Store.ApplyEntry(ctx, userID, -amount, &tx, false)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
