package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/bid-dispatch/internal/config"
	"github.com/example/bid-dispatch/internal/dispatch"
	"github.com/example/bid-dispatch/internal/geo"
	"github.com/example/bid-dispatch/internal/ingest"
	"github.com/example/bid-dispatch/internal/ledger"
	"github.com/example/bid-dispatch/internal/models"
	"github.com/example/bid-dispatch/internal/notify"
	"github.com/example/bid-dispatch/internal/observability"
	"github.com/example/bid-dispatch/internal/payments"
	"github.com/example/bid-dispatch/internal/presence"
)

type Server struct {
	Presence *presence.Registry
	Coord    *dispatch.Coordinator
	Ledger   *ledger.Service
	Hub      *notify.Hub
	Kafka    *ingest.KafkaProducer // optional
	Mirror   *geo.Mirror           // optional
	Stripe   *payments.StripeClient

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, reg *presence.Registry, coord *dispatch.Coordinator, led *ledger.Service, hub *notify.Hub, kp *ingest.KafkaProducer, mirror *geo.Mirror, stripe *payments.StripeClient) *Server {
	s := &Server{
		Presence: reg,
		Coord:    coord,
		Ledger:   led,
		Hub:      hub,
		Kafka:    kp,
		Mirror:   mirror,
		Stripe:   stripe,
		cfg:      cfg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/bids", s.handleSubmitBid).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/accept", s.handleAcceptBid).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/cancel", s.handleCancelOrder).Methods("POST")

	s.mux.HandleFunc("/api/v1/wallets/{user_id}/balance", s.handleGetBalance).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{user_id}/min-balance", s.handleMinBalance).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{user_id}/deposit", s.handleDeposit).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{user_id}/withdraw", s.handleWithdraw).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/nearby", s.handleNearby).Methods("GET")

	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/customer/{customer_id}", s.handleCustomerWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createOrderRequest struct {
	CustomerID          string               `json:"customer_id"`
	Pickup              models.Coord         `json:"pickup"`
	Dropoff             models.Coord         `json:"dropoff"`
	OfferPrice          int64                `json:"offer_price"`
	AutoAcceptThreshold int64                `json:"auto_accept_threshold"`
	PaymentMethod       models.PaymentMethod `json:"payment_method"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var in createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.Coord.CreateRequest(r.Context(), in.CustomerID, in.Pickup, in.Dropoff, in.OfferPrice, in.AutoAcceptThreshold, in.PaymentMethod)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["order_id"]
	req, bids, err := s.Coord.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": req, "bids": bids})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
		Amount   int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bid, err := s.Coord.SubmitBid(r.Context(), mux.Vars(r)["order_id"], in.DriverID, in.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BidID string `json:"bid_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coord.AcceptBid(r.Context(), mux.Vars(r)["order_id"], in.BidID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.Coord.CancelRequest(r.Context(), mux.Vars(r)["order_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.Ledger.GetBalance(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleMinBalance(w http.ResponseWriter, r *http.Request) {
	threshold := s.cfg.MinBalanceThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = t
	}
	ok, err := s.Ledger.CheckMinimumBalance(r.Context(), mux.Vars(r)["user_id"], threshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "threshold": threshold})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		CustomerRef string `json:"customer_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Currency == "" {
		in.Currency = "usd"
	}

	reference := ""
	if s.Stripe != nil {
		piID, err := s.Stripe.Hold(r.Context(), in.Amount, in.Currency, in.CustomerRef)
		if err != nil {
			s.logger.Error("stripe hold failed", "error", err)
			http.Error(w, "payment hold failed", http.StatusBadGateway)
			return
		}
		reference = piID
	}

	balance, err := s.Ledger.Deposit(r.Context(), mux.Vars(r)["user_id"], in.Amount, reference)
	if err != nil {
		if s.Stripe != nil && reference != "" {
			if cErr := s.Stripe.Cancel(r.Context(), reference); cErr != nil {
				s.logger.Error("stripe cancel failed", "payment_intent", reference, "error", cErr)
			}
		}
		s.writeError(w, err)
		return
	}
	if s.Stripe != nil && reference != "" {
		if err := s.Stripe.Capture(r.Context(), reference); err != nil {
			// ledger credit committed; capture retries are an ops concern
			s.logger.Error("stripe capture failed", "payment_intent", reference, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance, "reference": reference})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	balance, err := s.Ledger.Withdraw(r.Context(), mux.Vars(r)["user_id"], in.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// handleDriverLocation ingests a location ping from the driver app backend:
// refresh the in-process registry, then feed the Kafka pipeline that keeps
// the Redis mirror current.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.PresencePing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	p.Online = true

	s.Presence.UpdateLocation(p.DriverID, p.Loc)
	if s.Kafka != nil {
		if err := s.Kafka.PublishPing(p); err != nil {
			s.logger.Warn("presence ping publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	observability.DriversOnline.Set(float64(s.Presence.Count()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.Mirror == nil {
		http.Error(w, "geo mirror not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lng required", http.StatusBadRequest)
		return
	}
	radius := s.cfg.DispatchRadiusM
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radius = f
		}
	}
	drivers, err := s.Mirror.Nearby(r.Context(), lat, lng, radius, s.cfg.BroadcastMax)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidOffer), errors.Is(err, dispatch.ErrInvalidBid), errors.Is(err, ledger.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrRequestNotFound), errors.Is(err, dispatch.ErrBidNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatch.ErrRequestNotOpen), errors.Is(err, dispatch.ErrBidNotPending), errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrSettlementFailed):
		// internal rollback detail stays internal
		http.Error(w, "settlement could not be completed", http.StatusBadGateway)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
