// Package dispatch implements the competitive bidding state machine: open
// requests broadcast to eligible drivers, competing bids, auto-accept and
// expiry rules, and settlement through the wallet ledger on acceptance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bid-dispatch/internal/eta"
	"github.com/example/bid-dispatch/internal/models"
	"github.com/example/bid-dispatch/internal/notify"
	"github.com/example/bid-dispatch/internal/observability"
	"github.com/example/bid-dispatch/internal/presence"
	"github.com/example/bid-dispatch/internal/storage"
)

var (
	ErrInvalidOffer     = errors.New("invalid offer")
	ErrInvalidBid       = errors.New("invalid bid")
	ErrRequestNotFound  = errors.New("request not found")
	ErrRequestNotOpen   = errors.New("request not open")
	ErrBidNotFound      = errors.New("bid not found")
	ErrBidNotPending    = errors.New("bid not pending")
	ErrSettlementFailed = errors.New("settlement failed")
)

// Settler is the wallet ledger operation invoked on acceptance.
type Settler interface {
	SettleOrderPayment(ctx context.Context, requestID, driverID string, orderTotal int64, method models.PaymentMethod) (int64, error)
}

// Directory is the presence registry view the coordinator needs.
type Directory interface {
	ListEligible(pickup models.Coord, radiusM float64, max int) []presence.Candidate
}

// Coordinator owns every DeliveryRequest and its bids. Operations on one
// request serialize on that request's mutex; different requests proceed in
// parallel. Notifications are assembled under the lock but sent after it is
// released, so a slow transport never holds up the state machine.
type Coordinator struct {
	Presence Directory
	Notify   notify.Notifier
	Ledger   Settler
	Store    storage.OrderStore

	RadiusM      float64
	BroadcastMax int
	RequestTTL   time.Duration
	RetentionTTL time.Duration

	ETAClient eta.Client // optional; haversine fallback when nil
	ETACache  *eta.Cache
	SpeedMps  float64

	Logger *slog.Logger

	mu       sync.RWMutex
	requests map[string]*requestState
}

type requestState struct {
	mu   sync.Mutex
	req  models.DeliveryRequest
	bids []*models.Bid // arrival order
}

func NewCoordinator(dir Directory, n notify.Notifier, ledger Settler, store storage.OrderStore) *Coordinator {
	return &Coordinator{
		Presence:     dir,
		Notify:       n,
		Ledger:       ledger,
		Store:        store,
		RadiusM:      5000,
		BroadcastMax: 25,
		RequestTTL:   5 * time.Minute,
		RetentionTTL: 30 * time.Minute,
		requests:     make(map[string]*requestState),
	}
}

type outbound struct {
	driverID   string
	customerID string
	ev         notify.Event
}

// CreateRequest opens a request, selects eligible drivers near the pickup
// point, and broadcasts it to them with a per-driver distance estimate.
func (c *Coordinator) CreateRequest(ctx context.Context, customerID string, pickup, dropoff models.Coord, offerPrice, autoAcceptThreshold int64, method models.PaymentMethod) (*models.DeliveryRequest, error) {
	if offerPrice <= 0 {
		return nil, fmt.Errorf("%w: offer price must be positive", ErrInvalidOffer)
	}
	if autoAcceptThreshold < 0 || autoAcceptThreshold > offerPrice {
		return nil, fmt.Errorf("%w: auto-accept threshold exceeds offer price", ErrInvalidOffer)
	}
	if method == "" {
		method = models.PayCash
	}

	now := time.Now()
	req := models.DeliveryRequest{
		ID:                  uuid.NewString(),
		CustomerID:          customerID,
		Pickup:              pickup,
		Dropoff:             dropoff,
		OfferPrice:          offerPrice,
		AutoAcceptThreshold: autoAcceptThreshold,
		PaymentMethod:       method,
		Status:              models.RequestOpen,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.RequestTTL),
		UpdatedAt:           now,
	}

	c.mu.Lock()
	c.requests[req.ID] = &requestState{req: req}
	c.mu.Unlock()
	observability.OpenRequests.Inc()

	if err := c.Store.SaveRequest(ctx, &req); err != nil {
		c.logger().Error("request persist failed", "request_id", req.ID, "error", err)
	}

	cands := c.Presence.ListEligible(pickup, c.RadiusM, c.BroadcastMax)
	for _, cand := range cands {
		c.Notify.ToDriver(cand.DriverID, notify.Event{
			Type: notify.EventNewRequest,
			Data: map[string]any{
				"request":        req,
				"distance_m":     cand.DistM,
				"pickup_eta_sec": c.estimateSeconds(cand.Loc, pickup),
			},
		})
	}
	c.logger().Info("request created", "request_id", req.ID, "customer_id", customerID, "eligible_drivers", len(cands))
	return &req, nil
}

// SubmitBid records a driver's bid on an open request. A prior pending bid
// from the same driver is superseded. When the amount is at or below the
// customer's auto-accept threshold the bid is accepted immediately; the
// tie-break among qualifying bids is arrival order at the coordinator.
func (c *Coordinator) SubmitBid(ctx context.Context, requestID, driverID string, amount int64) (*models.Bid, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}
	st, err := c.state(requestID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.req.Status != models.RequestOpen {
		st.mu.Unlock()
		return nil, ErrRequestNotOpen
	}

	for _, b := range st.bids {
		if b.DriverID == driverID && b.Status == models.BidPending {
			b.Status = models.BidSuperseded
			c.persistBidUpdate(ctx, b)
		}
	}

	bid := &models.Bid{
		ID:        uuid.NewString(),
		RequestID: requestID,
		DriverID:  driverID,
		Amount:    amount,
		Status:    models.BidPending,
		CreatedAt: time.Now(),
	}
	st.bids = append(st.bids, bid)
	observability.BidsTotal.Inc()
	if err := c.Store.SaveBid(ctx, bid); err != nil {
		c.logger().Error("bid persist failed", "bid_id", bid.ID, "error", err)
	}

	if st.req.AutoAcceptThreshold > 0 && amount <= st.req.AutoAcceptThreshold {
		out, err := c.acceptLocked(ctx, st, bid)
		st.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c.send(out)
		c.logger().Info("bid auto-accepted", "request_id", requestID, "bid_id", bid.ID, "amount", amount)
		return bid, nil
	}

	customerID := st.req.CustomerID
	st.mu.Unlock()

	c.Notify.ToCustomer(customerID, notify.Event{
		Type: notify.EventBidReceived,
		Data: map[string]any{"request_id": requestID, "bid_id": bid.ID, "driver_id": driverID, "amount": amount},
	})
	return bid, nil
}

// AcceptBid finalizes a winner. The accepted bid's driver is settled through
// the wallet ledger before the request is marked Settled; a ledger failure
// leaves the request open.
func (c *Coordinator) AcceptBid(ctx context.Context, requestID, bidID string) error {
	st, err := c.state(requestID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.req.Status != models.RequestOpen {
		st.mu.Unlock()
		return ErrRequestNotOpen
	}
	var winner *models.Bid
	for _, b := range st.bids {
		if b.ID == bidID {
			winner = b
			break
		}
	}
	if winner == nil {
		st.mu.Unlock()
		return ErrBidNotFound
	}
	if winner.Status != models.BidPending {
		st.mu.Unlock()
		return ErrBidNotPending
	}

	out, err := c.acceptLocked(ctx, st, winner)
	st.mu.Unlock()
	if err != nil {
		return err
	}
	c.send(out)
	return nil
}

// acceptLocked runs the acceptance under st.mu: settle first, then flip
// statuses. Returns the notifications to send once the lock is released.
func (c *Coordinator) acceptLocked(ctx context.Context, st *requestState, winner *models.Bid) ([]outbound, error) {
	req := &st.req
	if _, err := c.Ledger.SettleOrderPayment(ctx, req.ID, winner.DriverID, winner.Amount, req.PaymentMethod); err != nil {
		// request stays open; the customer may retry or pick another bid
		c.logger().Error("settlement failed, request left open",
			"request_id", req.ID, "bid_id", winner.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	winner.Status = models.BidAccepted
	c.persistBidUpdate(ctx, winner)

	var out []outbound
	for _, b := range st.bids {
		if b.ID == winner.ID {
			continue
		}
		if b.Status == models.BidPending {
			b.Status = models.BidRejected
			c.persistBidUpdate(ctx, b)
			out = append(out, outbound{driverID: b.DriverID, ev: notify.Event{
				Type: notify.EventBidRejected,
				Data: map[string]any{"request_id": req.ID, "bid_id": b.ID},
			}})
		}
	}

	req.Status = models.RequestSettled
	req.DriverID = winner.DriverID
	req.FinalPrice = winner.Amount
	req.UpdatedAt = time.Now()
	observability.OpenRequests.Dec()
	if err := c.Store.UpdateRequest(ctx, req); err != nil {
		c.logger().Error("request persist failed", "request_id", req.ID, "error", err)
	}

	out = append(out,
		outbound{driverID: winner.DriverID, ev: notify.Event{
			Type: notify.EventBidAccepted,
			Data: map[string]any{"request_id": req.ID, "bid_id": winner.ID, "amount": winner.Amount},
		}},
		outbound{customerID: req.CustomerID, ev: notify.Event{
			Type: notify.EventOrderSettled,
			Data: map[string]any{"request_id": req.ID, "driver_id": winner.DriverID, "final_price": winner.Amount},
		}},
	)
	return out, nil
}

// ExpireRequest transitions a still-open request past its deadline to
// Expired and rejects its pending bids. Terminal requests are a no-op, so
// the time-driven sweep may race an acceptance safely.
func (c *Coordinator) ExpireRequest(ctx context.Context, requestID string) error {
	st, err := c.state(requestID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.req.Status != models.RequestOpen || time.Now().Before(st.req.ExpiresAt) {
		st.mu.Unlock()
		return nil
	}
	st.req.Status = models.RequestExpired
	st.req.UpdatedAt = time.Now()
	observability.OpenRequests.Dec()
	observability.RequestsExpired.Inc()
	if err := c.Store.UpdateRequest(ctx, &st.req); err != nil {
		c.logger().Error("request persist failed", "request_id", requestID, "error", err)
	}
	out := c.rejectPendingLocked(ctx, st)
	out = append(out, outbound{customerID: st.req.CustomerID, ev: notify.Event{
		Type: notify.EventOrderExpired,
		Data: map[string]any{"request_id": requestID},
	}})
	st.mu.Unlock()

	c.send(out)
	c.logger().Info("request expired", "request_id", requestID)
	return nil
}

// CancelRequest is the customer abandoning an open request. Pending bids are
// rejected; there is no ledger effect.
func (c *Coordinator) CancelRequest(ctx context.Context, requestID string) error {
	st, err := c.state(requestID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.req.Status != models.RequestOpen {
		st.mu.Unlock()
		return ErrRequestNotOpen
	}
	st.req.Status = models.RequestCancelled
	st.req.UpdatedAt = time.Now()
	observability.OpenRequests.Dec()
	if err := c.Store.UpdateRequest(ctx, &st.req); err != nil {
		c.logger().Error("request persist failed", "request_id", requestID, "error", err)
	}
	out := c.rejectPendingLocked(ctx, st)
	for i := range out {
		out[i].ev = notify.Event{
			Type: notify.EventOrderCancelled,
			Data: map[string]any{"request_id": requestID},
		}
	}
	st.mu.Unlock()

	c.send(out)
	c.logger().Info("request cancelled", "request_id", requestID)
	return nil
}

// GetRequest returns a snapshot of the request and its bids, falling back to
// the store for requests already pruned from memory.
func (c *Coordinator) GetRequest(ctx context.Context, requestID string) (*models.DeliveryRequest, []models.Bid, error) {
	c.mu.RLock()
	st, ok := c.requests[requestID]
	c.mu.RUnlock()
	if !ok {
		r, bids, err := c.Store.GetRequest(ctx, requestID)
		if errors.Is(err, storage.ErrRequestNotFound) {
			return nil, nil, ErrRequestNotFound
		}
		return r, bids, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	req := st.req
	bids := make([]models.Bid, 0, len(st.bids))
	for _, b := range st.bids {
		bids = append(bids, *b)
	}
	return &req, bids, nil
}

// Run drives time-based expiry and retention pruning until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := time.Now()
	c.mu.RLock()
	ids := make([]string, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		st, err := c.state(id)
		if err != nil {
			continue
		}
		st.mu.Lock()
		open := st.req.Status == models.RequestOpen
		due := !now.Before(st.req.ExpiresAt)
		stale := st.req.Status.Terminal() && now.Sub(st.req.UpdatedAt) > c.RetentionTTL
		st.mu.Unlock()

		if open && due {
			_ = c.ExpireRequest(ctx, id)
		}
		if stale {
			c.mu.Lock()
			delete(c.requests, id)
			c.mu.Unlock()
		}
	}
}

// rejectPendingLocked flips every pending bid to Rejected and returns one
// notification per affected driver. Caller holds st.mu.
func (c *Coordinator) rejectPendingLocked(ctx context.Context, st *requestState) []outbound {
	var out []outbound
	for _, b := range st.bids {
		if b.Status != models.BidPending {
			continue
		}
		b.Status = models.BidRejected
		c.persistBidUpdate(ctx, b)
		out = append(out, outbound{driverID: b.DriverID, ev: notify.Event{
			Type: notify.EventBidRejected,
			Data: map[string]any{"request_id": st.req.ID, "bid_id": b.ID},
		}})
	}
	return out
}

func (c *Coordinator) state(requestID string) (*requestState, error) {
	c.mu.RLock()
	st, ok := c.requests[requestID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrRequestNotFound
	}
	return st, nil
}

func (c *Coordinator) send(out []outbound) {
	for _, o := range out {
		if o.driverID != "" {
			c.Notify.ToDriver(o.driverID, o.ev)
		}
		if o.customerID != "" {
			c.Notify.ToCustomer(o.customerID, o.ev)
		}
	}
}

func (c *Coordinator) persistBidUpdate(ctx context.Context, b *models.Bid) {
	if err := c.Store.UpdateBid(ctx, b); err != nil {
		c.logger().Error("bid persist failed", "bid_id", b.ID, "error", err)
	}
}

func (c *Coordinator) estimateSeconds(from, to models.Coord) float64 {
	if c.ETACache != nil {
		if v, ok := c.ETACache.Get(from, to); ok {
			return v
		}
	}
	if c.ETAClient != nil {
		if v, err := c.ETAClient.EstimateSeconds(from, to); err == nil {
			if c.ETACache != nil {
				c.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, c.SpeedMps)
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
