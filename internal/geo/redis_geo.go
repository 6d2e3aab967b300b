package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/models"
)

// RedisGeo implements SpatialIndex using Redis GEO commands. Positions live
// in one sorted set; status and capabilities live in a per-driver hash.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, now: time.Now}
}

func (r *RedisGeo) UpdateLocation(ctx context.Context, driverID string, lat, lon float64) error {
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: driverID})
		p.HSet(ctx, metaKey(driverID), "updated", strconv.FormatInt(r.now().UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, err, "geo update location")
	}
	return nil
}

func (r *RedisGeo) SetAvailability(ctx context.Context, driverID string, status models.DriverStatus, capabilities []string) error {
	err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"status":       string(status),
		"capabilities": strings.Join(capabilities, ","),
	}).Err()
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, err, "geo set availability")
	}
	return nil
}

func (r *RedisGeo) FindCandidates(ctx context.Context, origin models.Coord, capability string, radiusKm float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return []Candidate{}, nil
	}
	// no COUNT: eligibility is filtered client-side, so the radius bounds the scan
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "geo radius")
	}
	if len(res) == 0 {
		return []Candidate{}, nil
	}

	metas := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, g := range res {
			metas[i] = p.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "geo driver metadata")
	}

	out := make([]Candidate, 0, limit)
	for i, g := range res {
		if len(out) >= limit {
			break
		}
		m := metas[i].Val()
		if models.DriverStatus(m["status"]) != models.DriverOnline {
			continue
		}
		if capability != "" && !hasCapability(m["capabilities"], capability) {
			continue
		}
		c := Candidate{
			DriverID:   g.Name,
			DistanceKm: g.Dist,
			Location:   models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		}
		if v, err := strconv.ParseInt(m["updated"], 10, 64); err == nil {
			c.UpdatedAt = time.UnixMilli(v)
		}
		out = append(out, c)
	}
	return out, nil
}

func hasCapability(list, capability string) bool {
	for _, c := range strings.Split(list, ",") {
		if c == capability {
			return true
		}
	}
	return false
}

func metaKey(id string) string { return "driver:meta:" + id }
