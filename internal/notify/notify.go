package notify

// Event is a single fan-out payload. Type matches the wire message name the
// mobile clients switch on.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Wire message names sent by the coordinator.
const (
	EventNewRequest     = "new_request"
	EventBidReceived    = "bid_received"
	EventBidAccepted    = "bid_accepted"
	EventBidRejected    = "bid_rejected"
	EventOrderSettled   = "order_settled"
	EventOrderExpired   = "order_expired"
	EventOrderCancelled = "order_cancelled"
)

// Notifier delivers events to the customer, a specific driver, or a driver
// set. All sends are fire-and-forget: a delivery failure is logged and
// dropped, never surfaced to the caller as a state error.
type Notifier interface {
	ToDriver(driverID string, ev Event)
	ToCustomer(customerID string, ev Event)
	Broadcast(driverIDs []string, ev Event)
}

// Nop discards every event. Used in tests and as a safe default.
type Nop struct{}

func (Nop) ToDriver(string, Event)    {}
func (Nop) ToCustomer(string, Event)  {}
func (Nop) Broadcast([]string, Event) {}
