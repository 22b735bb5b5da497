package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bid-dispatch/internal/models"
)

// fakeUpdater implements MirrorUpdater for tests
type fakeUpdater struct {
	failGeo   int // number of times to fail GeoAdd before succeeding
	failH     int // number of times to fail HSet before succeeding
	geoCalls  int
	hCalls    int
	zremCalls int
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func (f *fakeUpdater) ZRem(ctx context.Context, key string, member string) error {
	f.zremCalls++
	return nil
}

func TestUpdateMirrorWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	p := &models.PresencePing{DriverID: "d1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true, At: time.Now()}
	ctx := context.Background()
	start := time.Now()
	if err := updateMirrorWithRetry(ctx, f, "drivers_geo", p, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateMirrorWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	p := &models.PresencePing{DriverID: "d1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true, At: time.Now()}
	ctx := context.Background()
	if err := updateMirrorWithRetry(ctx, f, "drivers_geo", p, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateMirrorWithRetry_OfflineRemovesFromGeoSet(t *testing.T) {
	f := &fakeUpdater{}
	p := &models.PresencePing{DriverID: "d1", Online: false, At: time.Now()}
	if err := updateMirrorWithRetry(context.Background(), f, "drivers_geo", p, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.zremCalls != 1 || f.geoCalls != 0 {
		t.Fatalf("expected ZRem instead of GeoAdd, got zrem=%d geo=%d", f.zremCalls, f.geoCalls)
	}
}
