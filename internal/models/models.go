package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PaymentMethod is how the customer pays for a settled order.
type PaymentMethod string

const (
	PayWallet PaymentMethod = "wallet"
	PayCash   PaymentMethod = "cash"
)

// RequestStatus transitions are monotonic: Open is the only non-terminal state.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestSettled   RequestStatus = "settled"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

func (s RequestStatus) Terminal() bool { return s != RequestOpen }

type BidStatus string

const (
	BidPending    BidStatus = "pending"
	BidAccepted   BidStatus = "accepted"
	BidRejected   BidStatus = "rejected"
	BidSuperseded BidStatus = "superseded"
)

// DeliveryRequest is a customer's open order collecting competing driver bids.
// All money amounts are int64 minor currency units.
type DeliveryRequest struct {
	ID                  string        `json:"id"`
	CustomerID          string        `json:"customer_id"`
	Pickup              Coord         `json:"pickup"`
	Dropoff             Coord         `json:"dropoff"`
	OfferPrice          int64         `json:"offer_price"`
	AutoAcceptThreshold int64         `json:"auto_accept_threshold,omitempty"` // 0 = manual review only
	PaymentMethod       PaymentMethod `json:"payment_method"`
	Status              RequestStatus `json:"status"`
	DriverID            string        `json:"driver_id,omitempty"`   // winning driver, set on settlement
	FinalPrice          int64         `json:"final_price,omitempty"` // accepted bid amount
	CreatedAt           time.Time     `json:"created_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type Bid struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	DriverID  string    `json:"driver_id"`
	Amount    int64     `json:"amount"`
	Status    BidStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type TransactionKind string

const (
	TxDeposit    TransactionKind = "deposit"
	TxWithdrawal TransactionKind = "withdrawal"
	TxPayment    TransactionKind = "payment"
	TxCommission TransactionKind = "commission"
)

// SignedEffect is the contribution of one unit of this kind to a balance.
// Deposits credit; everything else debits.
func (k TransactionKind) SignedEffect() int64 {
	if k == TxDeposit {
		return 1
	}
	return -1
}

type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxSuccess TransactionStatus = "success"
	TxFailed  TransactionStatus = "failed"
)

type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"` // may go negative under cash-commission deduction
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Amount is always positive; the
// kind determines the sign of its effect on the wallet balance.
type Transaction struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"wallet_id"`
	Amount      int64             `json:"amount"`
	Kind        TransactionKind   `json:"kind"`
	Status      TransactionStatus `json:"status"`
	Reference   string            `json:"reference,omitempty"` // external or idempotency reference
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// PresencePing is the driver location heartbeat published to Kafka and
// mirrored into the Redis geo index.
type PresencePing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}
