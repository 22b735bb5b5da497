package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bid-dispatch/internal/models"
)

// Mirror keeps a Redis GEO copy of driver presence so operational tooling and
// the Kafka consumer share one view. The in-process presence registry stays
// authoritative for dispatch; the mirror is best-effort.
type Mirror struct {
	client *redis.Client
	key    string
}

func NewMirror(addr, password, key string) *Mirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Mirror{client: c, key: key}
}

func (m *Mirror) UpsertPing(ctx context.Context, p models.PresencePing) error {
	if _, err := m.client.GeoAdd(ctx, m.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.DriverID}).Result(); err != nil {
		return err
	}
	return m.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"online":    strconv.FormatBool(p.Online),
		"last_seen": p.At.Format(time.RFC3339),
	}).Err()
}

func (m *Mirror) Remove(ctx context.Context, driverID string) error {
	if err := m.client.ZRem(ctx, m.key, driverID).Err(); err != nil {
		return err
	}
	return m.client.Del(ctx, metaKey(driverID)).Err()
}

type NearbyDriver struct {
	DriverID string       `json:"driver_id"`
	Loc      models.Coord `json:"loc"`
	DistM    float64      `json:"distance_m"`
	Online   bool         `json:"online"`
}

func (m *Mirror) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]NearbyDriver, error) {
	res, err := m.client.GeoRadius(ctx, m.key, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]NearbyDriver, 0, len(res))
	for _, g := range res {
		d := NearbyDriver{DriverID: g.Name, DistM: g.Dist}
		d.Loc.Lat = g.Latitude
		d.Loc.Lng = g.Longitude
		if meta, err := m.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := meta["online"]; ok {
				d.Online = v == "true"
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *Mirror) Ping(ctx context.Context) error { return m.client.Ping(ctx).Err() }

func (m *Mirror) Close() error { return m.client.Close() }

func metaKey(id string) string { return "driver:presence:" + id }
