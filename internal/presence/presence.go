package presence

import (
	"sync"
	"time"

	"github.com/example/bid-dispatch/internal/geo"
	"github.com/example/bid-dispatch/internal/models"
)

// Sender is the transport handle associated with an online driver. Implemented
// by the websocket session; fakes implement it in tests.
type Sender interface {
	Send(v any) error
	Close() error
}

type entry struct {
	driverID string
	loc      models.Coord
	lastSeen time.Time
	sender   Sender
}

// Candidate is an online driver eligible for a dispatch broadcast.
type Candidate struct {
	DriverID string
	Loc      models.Coord
	DistM    float64
}

// Registry tracks which drivers can currently receive dispatch broadcasts.
// State is process-lifetime only; drivers re-announce after a restart.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*entry)}
}

// MarkOnline inserts or overwrites the driver's presence record, associating
// it with the given transport handle.
func (r *Registry) MarkOnline(driverID string, loc models.Coord, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driverID] = &entry{driverID: driverID, loc: loc, lastSeen: time.Now(), sender: s}
}

// UpdateLocation refreshes a driver's last-known location. Returns false if
// the driver is not online.
func (r *Registry) UpdateLocation(driverID string, loc models.Coord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok {
		return false
	}
	e.loc = loc
	e.lastSeen = time.Now()
	return true
}

// MarkOffline removes the driver. Unknown drivers are a no-op, not an error.
func (r *Registry) MarkOffline(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drivers, driverID)
}

// DisconnectSender removes whichever driver is bound to the given transport
// handle. Matching is by handle, not driver identity: a driver who already
// reconnected with a fresh handle must not be knocked offline by the old
// connection's teardown.
func (r *Registry) DisconnectSender(s Sender) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.drivers {
		if e.sender == s {
			delete(r.drivers, id)
			return id, true
		}
	}
	return "", false
}

// Handle returns the transport handle for an online driver.
func (r *Registry) Handle(driverID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drivers[driverID]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// ListEligible returns up to max online drivers within radiusM meters of the
// pickup point, nearest first.
func (r *Registry) ListEligible(pickup models.Coord, radiusM float64, max int) []Candidate {
	r.mu.RLock()
	arr := make([]Candidate, 0, len(r.drivers))
	for _, e := range r.drivers {
		dist := geo.Haversine(pickup.Lat, pickup.Lng, e.loc.Lat, e.loc.Lng)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, Candidate{DriverID: e.driverID, Loc: e.loc, DistM: dist})
	}
	r.mu.RUnlock()

	n := max
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistM < arr[minIdx].DistM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n]
}

// Count reports the number of online drivers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers)
}
