package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/bid-dispatch/internal/models"
	"github.com/example/bid-dispatch/internal/notify"
	"github.com/example/bid-dispatch/internal/presence"
	"github.com/example/bid-dispatch/internal/storage"
)

type fakeDirectory struct{ cands []presence.Candidate }

func (f *fakeDirectory) ListEligible(pickup models.Coord, radiusM float64, max int) []presence.Candidate {
	return f.cands
}

type sentEvent struct {
	driverID   string
	customerID string
	ev         notify.Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recordingNotifier) ToDriver(driverID string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{driverID: driverID, ev: ev})
}

func (r *recordingNotifier) ToCustomer(customerID string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{customerID: customerID, ev: ev})
}

func (r *recordingNotifier) Broadcast(driverIDs []string, ev notify.Event) {
	for _, id := range driverIDs {
		r.ToDriver(id, ev)
	}
}

func (r *recordingNotifier) ofType(t string) []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentEvent
	for _, e := range r.events {
		if e.ev.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	err   error

	lastDriver string
	lastAmount int64
	lastMethod models.PaymentMethod
}

func (f *fakeSettler) SettleOrderPayment(ctx context.Context, requestID, driverID string, orderTotal int64, method models.PaymentMethod) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls++
	f.lastDriver = driverID
	f.lastAmount = orderTotal
	f.lastMethod = method
	return orderTotal, nil
}

func newCoordinator(dir *fakeDirectory, n notify.Notifier, s Settler) *Coordinator {
	c := NewCoordinator(dir, n, s, storage.NewMemoryOrderStore())
	c.RequestTTL = time.Minute
	return c
}

func mustCreate(t *testing.T, c *Coordinator, threshold int64) *models.DeliveryRequest {
	t.Helper()
	req, err := c.CreateRequest(context.Background(), "cust1",
		models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.1, Lng: 0.1}, 200000, threshold, models.PayCash)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestCreateRequestValidation(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	ctx := context.Background()

	if _, err := c.CreateRequest(ctx, "cust1", models.Coord{}, models.Coord{}, 0, 0, models.PayCash); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("zero offer: expected ErrInvalidOffer, got %v", err)
	}
	if _, err := c.CreateRequest(ctx, "cust1", models.Coord{}, models.Coord{}, 1000, 1500, models.PayCash); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("threshold above offer: expected ErrInvalidOffer, got %v", err)
	}
}

func TestCreateRequestBroadcastsWithDistance(t *testing.T) {
	dir := &fakeDirectory{cands: []presence.Candidate{
		{DriverID: "d1", Loc: models.Coord{Lat: 0, Lng: 0.01}, DistM: 1113},
		{DriverID: "d2", Loc: models.Coord{Lat: 0, Lng: 0.02}, DistM: 2226},
	}}
	n := &recordingNotifier{}
	c := newCoordinator(dir, n, &fakeSettler{})

	mustCreate(t, c, 0)

	got := n.ofType(notify.EventNewRequest)
	if len(got) != 2 {
		t.Fatalf("expected broadcast to 2 drivers, got %d events", len(got))
	}
	data := got[0].ev.Data.(map[string]any)
	if data["distance_m"].(float64) != 1113 {
		t.Fatalf("expected per-driver distance in payload, got %v", data["distance_m"])
	}
}

func TestSubmitBidValidation(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	if _, err := c.SubmitBid(ctx, req.ID, "d1", 0); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected ErrInvalidBid, got %v", err)
	}
	if _, err := c.SubmitBid(ctx, "nope", "d1", 100); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestLaterBidSupersedesEarlier(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	if _, err := c.SubmitBid(ctx, req.ID, "d1", 150000); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if _, err := c.SubmitBid(ctx, req.ID, "d1", 140000); err != nil {
		t.Fatalf("second bid: %v", err)
	}

	_, bids, err := c.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	var pending, superseded int
	for _, b := range bids {
		switch b.Status {
		case models.BidPending:
			pending++
			if b.Amount != 140000 {
				t.Fatalf("pending bid should be the later 140000, got %d", b.Amount)
			}
		case models.BidSuperseded:
			superseded++
			if b.Amount != 150000 {
				t.Fatalf("superseded bid should be the earlier 150000, got %d", b.Amount)
			}
		}
	}
	if pending != 1 || superseded != 1 {
		t.Fatalf("expected 1 pending + 1 superseded, got %d/%d", pending, superseded)
	}
}

func TestAutoAcceptSettlesWithoutManualAccept(t *testing.T) {
	n := &recordingNotifier{}
	s := &fakeSettler{}
	c := newCoordinator(&fakeDirectory{}, n, s)
	req, err := c.CreateRequest(context.Background(), "cust1",
		models.Coord{}, models.Coord{Lat: 0.1}, 200000, 150000, models.PayWallet)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// a rival bid above the threshold stays pending, then gets rejected
	if _, err := c.SubmitBid(context.Background(), req.ID, "d2", 180000); err != nil {
		t.Fatalf("rival bid: %v", err)
	}
	if _, err := c.SubmitBid(context.Background(), req.ID, "d1", 140000); err != nil {
		t.Fatalf("qualifying bid: %v", err)
	}

	got, _, err := c.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RequestSettled || got.DriverID != "d1" || got.FinalPrice != 140000 {
		t.Fatalf("expected settled at 140000 by d1, got %+v", got)
	}
	if s.calls != 1 || s.lastAmount != 140000 || s.lastMethod != models.PayWallet {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if rej := n.ofType(notify.EventBidRejected); len(rej) != 1 || rej[0].driverID != "d2" {
		t.Fatalf("expected rejection for d2, got %v", rej)
	}
	if acc := n.ofType(notify.EventBidAccepted); len(acc) != 1 || acc[0].driverID != "d1" {
		t.Fatalf("expected acceptance for d1, got %v", acc)
	}
}

func TestAcceptBidFinalizesWinner(t *testing.T) {
	n := &recordingNotifier{}
	s := &fakeSettler{}
	c := newCoordinator(&fakeDirectory{}, n, s)
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	b1, _ := c.SubmitBid(ctx, req.ID, "d1", 150000)
	b2, _ := c.SubmitBid(ctx, req.ID, "d2", 160000)

	if err := c.AcceptBid(ctx, req.ID, b1.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, bids, _ := c.GetRequest(ctx, req.ID)
	if got.Status != models.RequestSettled || got.DriverID != "d1" {
		t.Fatalf("expected settled by d1, got %+v", got)
	}
	for _, b := range bids {
		switch b.ID {
		case b1.ID:
			if b.Status != models.BidAccepted {
				t.Fatalf("winner status = %s", b.Status)
			}
		case b2.ID:
			if b.Status != models.BidRejected {
				t.Fatalf("loser status = %s", b.Status)
			}
		}
	}
	if s.calls != 1 || s.lastDriver != "d1" || s.lastAmount != 150000 {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if ev := n.ofType(notify.EventOrderSettled); len(ev) != 1 || ev[0].customerID != "cust1" {
		t.Fatalf("expected order_settled to customer, got %v", ev)
	}

	// late bid after acceptance is a benign race, surfaced as RequestNotOpen
	if _, err := c.SubmitBid(ctx, req.ID, "d3", 100000); !errors.Is(err, ErrRequestNotOpen) {
		t.Fatalf("late bid: expected ErrRequestNotOpen, got %v", err)
	}
}

func TestAcceptBidErrors(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	if err := c.AcceptBid(ctx, req.ID, "missing"); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("expected ErrBidNotFound, got %v", err)
	}

	b1, _ := c.SubmitBid(ctx, req.ID, "d1", 150000)
	// driver re-bids, superseding b1
	if _, err := c.SubmitBid(ctx, req.ID, "d1", 140000); err != nil {
		t.Fatalf("re-bid: %v", err)
	}
	if err := c.AcceptBid(ctx, req.ID, b1.ID); !errors.Is(err, ErrBidNotPending) {
		t.Fatalf("expected ErrBidNotPending for superseded bid, got %v", err)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	s := &fakeSettler{}
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, s)
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	const drivers = 8
	bidIDs := make([]string, drivers)
	for i := 0; i < drivers; i++ {
		b, err := c.SubmitBid(ctx, req.ID, string(rune('a'+i)), int64(100000+i))
		if err != nil {
			t.Fatalf("bid %d: %v", i, err)
		}
		bidIDs[i] = b.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.AcceptBid(ctx, req.ID, bidIDs[i])
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrRequestNotOpen) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}
	if s.calls != 1 {
		t.Fatalf("expected exactly one settlement, got %d", s.calls)
	}
}

func TestExpireRejectsPendingAndIsIdempotent(t *testing.T) {
	n := &recordingNotifier{}
	c := newCoordinator(&fakeDirectory{}, n, &fakeSettler{})
	c.RequestTTL = -time.Second // already past its deadline
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	if _, err := c.SubmitBid(ctx, req.ID, "d1", 150000); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := c.ExpireRequest(ctx, req.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	got, bids, _ := c.GetRequest(ctx, req.ID)
	if got.Status != models.RequestExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if bids[0].Status != models.BidRejected {
		t.Fatalf("expected pending bid rejected, got %s", bids[0].Status)
	}
	if ev := n.ofType(notify.EventOrderExpired); len(ev) != 1 || ev[0].customerID != "cust1" {
		t.Fatalf("expected expiry notice to customer, got %v", ev)
	}

	// idempotent on terminal requests
	if err := c.ExpireRequest(ctx, req.ID); err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if again := n.ofType(notify.EventOrderExpired); len(again) != 1 {
		t.Fatalf("second expire must not re-notify, got %d events", len(again))
	}
}

func TestExpireBeforeDeadlineIsNoop(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	req := mustCreate(t, c, 0)
	if err := c.ExpireRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, _, _ := c.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestOpen {
		t.Fatalf("request expired before its deadline: %s", got.Status)
	}
}

func TestCancelBlocksFutureBids(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	if err := c.CancelRequest(ctx, req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := c.SubmitBid(ctx, req.ID, "d1", 100000); !errors.Is(err, ErrRequestNotOpen) {
		t.Fatalf("expected ErrRequestNotOpen after cancel, got %v", err)
	}
	if err := c.CancelRequest(ctx, req.ID); !errors.Is(err, ErrRequestNotOpen) {
		t.Fatalf("expected ErrRequestNotOpen on double cancel, got %v", err)
	}
}

func TestSettlementFailureLeavesRequestOpen(t *testing.T) {
	s := &fakeSettler{err: errors.New("ledger down")}
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, s)
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	b, _ := c.SubmitBid(ctx, req.ID, "d1", 150000)
	if err := c.AcceptBid(ctx, req.ID, b.ID); !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}

	got, bids, _ := c.GetRequest(ctx, req.ID)
	if got.Status != models.RequestOpen {
		t.Fatalf("request must stay open after failed settlement, got %s", got.Status)
	}
	if bids[0].Status != models.BidPending {
		t.Fatalf("bid must stay pending after failed settlement, got %s", bids[0].Status)
	}

	// ledger recovers; the same acceptance now goes through
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	if err := c.AcceptBid(ctx, req.ID, b.ID); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	got, _, _ = c.GetRequest(ctx, req.ID)
	if got.Status != models.RequestSettled {
		t.Fatalf("expected settled after retry, got %s", got.Status)
	}
}

func TestSweepExpiresAndPrunesWithStoreFallback(t *testing.T) {
	c := newCoordinator(&fakeDirectory{}, notify.Nop{}, &fakeSettler{})
	c.RequestTTL = -time.Second
	c.RetentionTTL = 0 // prune terminal requests on the next sweep
	req := mustCreate(t, c, 0)
	ctx := context.Background()

	c.sweep(ctx) // expires
	c.sweep(ctx) // prunes

	c.mu.RLock()
	_, inMemory := c.requests[req.ID]
	c.mu.RUnlock()
	if inMemory {
		t.Fatal("expected terminal request pruned from memory")
	}

	// the store still has it
	got, _, err := c.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("store fallback: %v", err)
	}
	if got.Status != models.RequestExpired {
		t.Fatalf("expected expired from store, got %s", got.Status)
	}
}
