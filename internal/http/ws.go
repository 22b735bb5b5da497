package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/bid-dispatch/internal/models"
	"github.com/example/bid-dispatch/internal/notify"
	"github.com/example/bid-dispatch/internal/observability"
)

var upgrader = websocket.Upgrader{}

// envelope is the wire frame for every inbound real-time message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleDriverWS is the driver's real-time channel: presence announcements,
// location pings, and bids come in; request broadcasts and bid outcomes go
// out over the same socket.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := notify.NewWSSession(conn)

	defer func() {
		if id, ok := s.Presence.DisconnectSender(sess); ok {
			s.logger.Info("driver disconnected", "driver_id", id)
			observability.DriversOnline.Set(float64(s.Presence.Count()))
		}
		_ = sess.Close()
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "driver_online":
			var in struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			}
			if err := json.Unmarshal(env.Data, &in); err != nil {
				s.wsError(sess, env.Type, "bad payload")
				continue
			}
			loc := models.Coord{Lat: in.Lat, Lng: in.Lng}
			s.Presence.MarkOnline(driverID, loc, sess)
			observability.DriversOnline.Set(float64(s.Presence.Count()))
			s.publishPing(driverID, loc, true)

		case "driver_ping":
			var in models.Coord
			if err := json.Unmarshal(env.Data, &in); err != nil {
				s.wsError(sess, env.Type, "bad payload")
				continue
			}
			if s.Presence.UpdateLocation(driverID, in) {
				s.publishPing(driverID, in, true)
			}

		case "driver_offline":
			s.Presence.MarkOffline(driverID)
			observability.DriversOnline.Set(float64(s.Presence.Count()))
			s.publishPing(driverID, models.Coord{}, false)

		case "driver_bid":
			var in struct {
				RequestID string `json:"request_id"`
				Amount    int64  `json:"amount"`
			}
			if err := json.Unmarshal(env.Data, &in); err != nil {
				s.wsError(sess, env.Type, "bad payload")
				continue
			}
			if _, err := s.Coord.SubmitBid(r.Context(), in.RequestID, driverID, in.Amount); err != nil {
				s.wsError(sess, env.Type, err.Error())
			}

		default:
			s.wsError(sess, env.Type, "unknown message type")
		}
	}
}

// handleCustomerWS is the customer's real-time channel: order creation and
// bid review come in; bid_received and final outcomes go out.
func (s *Server) handleCustomerWS(w http.ResponseWriter, r *http.Request) {
	customerID := mux.Vars(r)["customer_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := notify.NewWSSession(conn)
	s.Hub.Add(customerID, sess)

	defer func() {
		s.Hub.Remove(customerID, sess)
		_ = sess.Close()
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "create_order":
			var in createOrderRequest
			if err := json.Unmarshal(env.Data, &in); err != nil {
				s.wsError(sess, env.Type, "bad payload")
				continue
			}
			req, err := s.Coord.CreateRequest(r.Context(), customerID, in.Pickup, in.Dropoff, in.OfferPrice, in.AutoAcceptThreshold, in.PaymentMethod)
			if err != nil {
				s.wsError(sess, env.Type, err.Error())
				continue
			}
			_ = sess.Send(notify.Event{Type: "order_created", Data: req})

		case "accept_bid":
			var in struct {
				RequestID string `json:"request_id"`
				BidID     string `json:"bid_id"`
			}
			if err := json.Unmarshal(env.Data, &in); err != nil {
				s.wsError(sess, env.Type, "bad payload")
				continue
			}
			if err := s.Coord.AcceptBid(r.Context(), in.RequestID, in.BidID); err != nil {
				s.wsError(sess, env.Type, err.Error())
			}

		case "cancel_order":
			var in struct {
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal(env.Data, &in); err != nil {
				s.wsError(sess, env.Type, "bad payload")
				continue
			}
			if err := s.Coord.CancelRequest(r.Context(), in.RequestID); err != nil {
				s.wsError(sess, env.Type, err.Error())
			}

		default:
			s.wsError(sess, env.Type, "unknown message type")
		}
	}
}

func (s *Server) publishPing(driverID string, loc models.Coord, online bool) {
	if s.Kafka == nil {
		return
	}
	p := models.PresencePing{DriverID: driverID, Loc: loc, Online: online, At: time.Now()}
	if err := s.Kafka.PublishPing(p); err != nil {
		s.logger.Warn("presence ping publish failed", "driver_id", driverID, "error", err)
	}
}

func (s *Server) wsError(sess *notify.WSSession, msgType, detail string) {
	_ = sess.Send(notify.Event{Type: "error", Data: map[string]string{"on": msgType, "detail": detail}})
}
