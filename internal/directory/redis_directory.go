package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// searchRadiusM bounds the GEO query; drivers farther than this from a
// pickup are never candidates.
const searchRadiusM = 5000

// RedisDirectory keeps driver coordinates in a GEO set and the rest of
// the presence record in a per-driver hash, so every mutation is a
// targeted HSET rather than a record overwrite.
type RedisDirectory struct {
	client *redis.Client
	geoKey string
}

func NewRedisDirectory(addr, password, geoKey string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, geoKey: geoKey}
}

// NewRedisDirectoryFromClient is used by the consumer binary, which
// owns its own client lifecycle.
func NewRedisDirectoryFromClient(c *redis.Client, geoKey string) *RedisDirectory {
	return &RedisDirectory{client: c, geoKey: geoKey}
}

func presenceKey(id string) string { return "driver:presence:" + id }

func (r *RedisDirectory) FindEligible(ctx context.Context, vehicleClass string, origin models.Coord, maxAge time.Duration, limit int) []models.DriverPresence {
	// over-fetch so post-filtering on status/reachability still fills
	// the limit
	count := limit * 4
	if count <= 0 {
		count = 100
	}
	res, err := r.client.GeoRadius(ctx, r.geoKey, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: searchRadiusM, Unit: "m", WithCoord: true, Count: count, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	now := time.Now()
	out := make([]models.DriverPresence, 0, limit)
	for _, g := range res {
		p, ok := r.load(ctx, g.Name)
		if !ok {
			continue
		}
		p.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !Eligible(p, vehicleClass, maxAge, now) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (models.DriverPresence, bool) {
	return r.load(ctx, driverID)
}

func (r *RedisDirectory) load(ctx context.Context, driverID string) (models.DriverPresence, bool) {
	m, err := r.client.HGetAll(ctx, presenceKey(driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.DriverPresence{}, false
	}
	p := models.DriverPresence{
		ID:           driverID,
		Name:         m["name"],
		Mobile:       m["mobile"],
		Status:       models.DriverStatus(m["status"]),
		VehicleClass: m["vehicle_class"],
		PushToken:    m["push_token"],
		SessionID:    m["session_id"],
	}
	if v, ok := m["last_seen"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.LastSeen = t
		}
	}
	if v, ok := m["lat"]; ok {
		p.Loc.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lon"]; ok {
		p.Loc.Lon, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["daily_rides"]; ok {
		p.DailyRides, _ = strconv.Atoi(v)
	}
	if v, ok := m["earnings"]; ok {
		p.Earnings, _ = strconv.ParseFloat(v, 64)
	}
	return p, true
}

func (r *RedisDirectory) Heartbeat(ctx context.Context, hb models.DriverPresence) error {
	if err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: hb.Loc.Lon, Latitude: hb.Loc.Lat, Name: hb.ID}).Err(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"lat":       strconv.FormatFloat(hb.Loc.Lat, 'f', 6, 64),
		"lon":       strconv.FormatFloat(hb.Loc.Lon, 'f', 6, 64),
		"last_seen": time.Now().Format(time.RFC3339),
	}
	if hb.Name != "" {
		fields["name"] = hb.Name
	}
	if hb.Mobile != "" {
		fields["mobile"] = hb.Mobile
	}
	if hb.VehicleClass != "" {
		fields["vehicle_class"] = hb.VehicleClass
	}
	if err := r.client.HSet(ctx, presenceKey(hb.ID), fields).Err(); err != nil {
		return err
	}
	// first heartbeat for an unknown driver marks them available
	return r.client.HSetNX(ctx, presenceKey(hb.ID), "status", string(models.DriverAvailable)).Err()
}

func (r *RedisDirectory) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return r.client.HSet(ctx, presenceKey(driverID), "status", string(status)).Err()
}

func (r *RedisDirectory) SetPushToken(ctx context.Context, driverID, token string) error {
	return r.client.HSet(ctx, presenceKey(driverID), map[string]interface{}{
		"push_token": token,
		"last_seen":  time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisDirectory) SetSession(ctx context.Context, driverID, sessionID string) error {
	return r.client.HSet(ctx, presenceKey(driverID), "session_id", sessionID).Err()
}

func (r *RedisDirectory) CreditRide(ctx context.Context, driverID string, fare float64) error {
	if err := r.client.HIncrBy(ctx, presenceKey(driverID), "daily_rides", 1).Err(); err != nil {
		return err
	}
	return r.client.HIncrByFloat(ctx, presenceKey(driverID), "earnings", fare).Err()
}
