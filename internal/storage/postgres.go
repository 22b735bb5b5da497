package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/bid-dispatch/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresStore implements OrderStore and WalletStore on one database/sql
// handle. The wallet side serializes concurrent settlements on the same
// wallet with a row-level lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.DeliveryRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO delivery_requests
		(id, customer_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, offer_price, auto_accept_threshold, payment_method, status, driver_id, final_price, created_at, expires_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.CustomerID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.OfferPrice, r.AutoAcceptThreshold, r.PaymentMethod, r.Status, nullStr(r.DriverID), r.FinalPrice,
		r.CreatedAt, r.ExpiresAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *models.DeliveryRequest) error {
	_, err := p.db.ExecContext(ctx, `UPDATE delivery_requests
		SET status=$1, driver_id=$2, final_price=$3, updated_at=$4 WHERE id=$5`,
		r.Status, nullStr(r.DriverID), r.FinalPrice, time.Now(), r.ID)
	return err
}

func (p *PostgresStore) SaveBid(ctx context.Context, b *models.Bid) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bids(id, request_id, driver_id, amount, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		b.ID, b.RequestID, b.DriverID, b.Amount, b.Status, b.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateBid(ctx context.Context, b *models.Bid) error {
	_, err := p.db.ExecContext(ctx, `UPDATE bids SET status=$1 WHERE id=$2`, b.Status, b.ID)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, requestID string) (*models.DeliveryRequest, []models.Bid, error) {
	var r models.DeliveryRequest
	var driverID sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id, customer_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		offer_price, auto_accept_threshold, payment_method, status, driver_id, final_price, created_at, expires_at, updated_at
		FROM delivery_requests WHERE id=$1`, requestID).Scan(
		&r.ID, &r.CustomerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&r.OfferPrice, &r.AutoAcceptThreshold, &r.PaymentMethod, &r.Status, &driverID, &r.FinalPrice,
		&r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	r.DriverID = driverID.String

	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, driver_id, amount, status, created_at
		FROM bids WHERE request_id=$1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.RequestID, &b.DriverID, &b.Amount, &b.Status, &b.CreatedAt); err != nil {
			return nil, nil, err
		}
		bids = append(bids, b)
	}
	return &r, bids, rows.Err()
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := p.db.QueryRowContext(ctx, `SELECT id, user_id, balance, created_at, updated_at FROM wallets WHERE user_id=$1`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	now := time.Now()
	w := models.Wallet{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	_, err := p.db.ExecContext(ctx, `INSERT INTO wallets(id, user_id, balance, created_at, updated_at)
		VALUES($1,$2,0,$3,$4) ON CONFLICT (user_id) DO NOTHING`, w.ID, w.UserID, now, now)
	if err != nil {
		return nil, err
	}
	// re-read in case another writer created it first
	return p.GetWallet(ctx, userID)
}

// ApplyEntry records one ledger transaction and moves the wallet balance in a
// single database transaction. The wallet row is locked FOR UPDATE so two
// settlements racing on the same wallet serialize instead of losing updates.
func (p *PostgresStore) ApplyEntry(ctx context.Context, userID string, delta int64, txRec *models.Transaction, allowNegative bool) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var walletID string
	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT id, balance FROM wallets WHERE user_id=$1 FOR UPDATE`, userID).
		Scan(&walletID, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	if err != nil {
		return 0, err
	}

	if !allowNegative && balance+delta < 0 {
		return balance, ErrInsufficientFunds
	}

	id := txRec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := txRec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transactions(id, wallet_id, amount, kind, status, reference, description, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, walletID, txRec.Amount, txRec.Kind, txRec.Status, nullStr(txRec.Reference), txRec.Description, createdAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return balance, ErrDuplicateReference
		}
		return 0, err
	}

	newBalance := balance + delta
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance=$1, updated_at=$2 WHERE id=$3`,
		newBalance, time.Now(), walletID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	txRec.ID = id
	txRec.WalletID = walletID
	txRec.CreatedAt = createdAt
	return newBalance, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
