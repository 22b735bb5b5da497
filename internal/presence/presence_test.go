package presence

import (
	"testing"

	"github.com/example/bid-dispatch/internal/models"
)

type fakeSender struct{ closed bool }

func (f *fakeSender) Send(v any) error { return nil }
func (f *fakeSender) Close() error     { f.closed = true; return nil }

func TestMarkOnlineThenEligible(t *testing.T) {
	r := NewRegistry()
	r.MarkOnline("d1", models.Coord{Lat: 0, Lng: 0}, &fakeSender{})
	got := r.ListEligible(models.Coord{Lat: 0, Lng: 0.001}, 5000, 10)
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("expected d1 eligible, got %v", got)
	}
}

func TestRadiusFilterExcludesFarDrivers(t *testing.T) {
	r := NewRegistry()
	r.MarkOnline("near", models.Coord{Lat: 0, Lng: 0.01}, &fakeSender{})  // ~1.1km
	r.MarkOnline("far", models.Coord{Lat: 0, Lng: 0.1}, &fakeSender{})   // ~11km
	got := r.ListEligible(models.Coord{Lat: 0, Lng: 0}, 5000, 10)
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("expected only near driver, got %v", got)
	}
}

func TestEligibleSortedNearestFirstAndCapped(t *testing.T) {
	r := NewRegistry()
	r.MarkOnline("a", models.Coord{Lat: 0, Lng: 0.03}, &fakeSender{})
	r.MarkOnline("b", models.Coord{Lat: 0, Lng: 0.01}, &fakeSender{})
	r.MarkOnline("c", models.Coord{Lat: 0, Lng: 0.02}, &fakeSender{})
	got := r.ListEligible(models.Coord{Lat: 0, Lng: 0}, 0, 2)
	if len(got) != 2 || got[0].DriverID != "b" || got[1].DriverID != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestDisconnectSenderRemovesDriver(t *testing.T) {
	r := NewRegistry()
	s := &fakeSender{}
	r.MarkOnline("d1", models.Coord{}, s)
	id, ok := r.DisconnectSender(s)
	if !ok || id != "d1" {
		t.Fatalf("expected d1 removed, got %q ok=%v", id, ok)
	}
	if got := r.ListEligible(models.Coord{}, 0, 10); len(got) != 0 {
		t.Fatalf("expected no eligible drivers, got %v", got)
	}
}

func TestStaleDisconnectKeepsReconnectedDriver(t *testing.T) {
	r := NewRegistry()
	old := &fakeSender{}
	r.MarkOnline("d1", models.Coord{}, old)
	// driver reconnects with a new handle before the old socket tears down
	r.MarkOnline("d1", models.Coord{}, &fakeSender{})
	if _, ok := r.DisconnectSender(old); ok {
		t.Fatal("stale handle should not remove the reconnected driver")
	}
	if r.Count() != 1 {
		t.Fatalf("expected driver still online, count=%d", r.Count())
	}
}

func TestUpdateLocationUnknownDriver(t *testing.T) {
	r := NewRegistry()
	if r.UpdateLocation("ghost", models.Coord{Lat: 1}) {
		t.Fatal("expected false for unknown driver")
	}
}

func TestMarkOfflineUnknownDriverNoop(t *testing.T) {
	r := NewRegistry()
	r.MarkOffline("ghost") // must not panic
}
