// Package directory holds driver presence records and answers the
// dispatch eligibility query. Mutations are targeted field writes so a
// location heartbeat never clobbers a status the coordinator just set.
package directory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Directory is the port the coordinator and the HTTP layer depend on.
type Directory interface {
	// FindEligible returns drivers passing the eligibility predicate,
	// nearest first. Storage unavailability yields an empty set, not an
	// error; the caller treats that as "no driver available".
	FindEligible(ctx context.Context, vehicleClass string, origin models.Coord, maxAge time.Duration, limit int) []models.DriverPresence
	Get(ctx context.Context, driverID string) (models.DriverPresence, bool)

	// Heartbeat updates identity, location, vehicle class and last-seen.
	// It deliberately leaves status, tokens and counters alone.
	Heartbeat(ctx context.Context, hb models.DriverPresence) error
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	SetPushToken(ctx context.Context, driverID, token string) error
	SetSession(ctx context.Context, driverID, sessionID string) error

	// CreditRide bumps the per-driver ride counters. Only the
	// authoritative completion path may call this; simulation traffic
	// never reaches it.
	CreditRide(ctx context.Context, driverID string, fare float64) error
}

// Eligible is the dispatch predicate: the driver is available, or their
// presence is fresh enough that a missed status flip should not drop
// them; and they are reachable on at least one channel. Drivers already
// bound to a ride are never offered another.
func Eligible(p models.DriverPresence, vehicleClass string, maxAge time.Duration, now time.Time) bool {
	if p.Status == models.DriverOnRide {
		return false
	}
	if p.Status != models.DriverAvailable && now.Sub(p.LastSeen) > maxAge {
		return false
	}
	if !p.Reachable() {
		return false
	}
	if vehicleClass != "" && p.VehicleClass != "" && p.VehicleClass != vehicleClass {
		return false
	}
	return true
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Index is the in-memory directory used when Redis is not configured,
// and by tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPresence)}
}

func (g *Index) FindEligible(_ context.Context, vehicleClass string, origin models.Coord, maxAge time.Duration, limit int) []models.DriverPresence {
	now := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.DriverPresence
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, p := range g.drivers {
		if !Eligible(p, vehicleClass, maxAge, now) {
			continue
		}
		arr = append(arr, pair{p, Haversine(origin.Lat, origin.Lon, p.Loc.Lat, p.Loc.Lon)})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPresence, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverPresence, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	return p, ok
}

func (g *Index) Heartbeat(_ context.Context, hb models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.drivers[hb.ID]
	cur.ID = hb.ID
	if hb.Name != "" {
		cur.Name = hb.Name
	}
	if hb.Mobile != "" {
		cur.Mobile = hb.Mobile
	}
	if hb.VehicleClass != "" {
		cur.VehicleClass = hb.VehicleClass
	}
	cur.Loc = hb.Loc
	cur.LastSeen = time.Now()
	if cur.Status == "" {
		cur.Status = models.DriverAvailable
	}
	g.drivers[hb.ID] = cur
	return nil
}

func (g *Index) SetStatus(_ context.Context, driverID string, status models.DriverStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.drivers[driverID]
	cur.ID = driverID
	cur.Status = status
	g.drivers[driverID] = cur
	return nil
}

func (g *Index) SetPushToken(_ context.Context, driverID, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.drivers[driverID]
	cur.ID = driverID
	cur.PushToken = token
	cur.LastSeen = time.Now()
	g.drivers[driverID] = cur
	return nil
}

func (g *Index) SetSession(_ context.Context, driverID, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.drivers[driverID]
	cur.ID = driverID
	cur.SessionID = sessionID
	g.drivers[driverID] = cur
	return nil
}

func (g *Index) CreditRide(_ context.Context, driverID string, fare float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.drivers[driverID]
	cur.ID = driverID
	cur.DailyRides++
	cur.Earnings += fare
	g.drivers[driverID] = cur
	return nil
}
