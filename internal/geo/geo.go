package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// SpatialIndex is the minimal interface required by the dispatch coordinator
// and the driver handlers.
type SpatialIndex interface {
	FindCandidates(ctx context.Context, origin models.Coord, capability string, radiusKm float64, limit int) ([]Candidate, error)
	UpdateLocation(ctx context.Context, driverID string, lat, lon float64) error
	SetAvailability(ctx context.Context, driverID string, status models.DriverStatus, capabilities []string) error
}

// Candidate is a driver eligible for an offer, nearest first.
type Candidate struct {
	DriverID   string       `json:"driver_id"`
	DistanceKm float64      `json:"distance_km"`
	Location   models.Coord `json:"location"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type entry struct {
	status       models.DriverStatus
	capabilities map[string]struct{}
	loc          models.Coord
	hasLoc       bool
	updated      time.Time
}

func (e *entry) eligible(capability string) bool {
	if e.status != models.DriverOnline || !e.hasLoc {
		return false
	}
	if capability == "" {
		return true
	}
	_, ok := e.capabilities[capability]
	return ok
}

// Index keeps every known driver in memory.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]*entry), now: time.Now}
}

func (g *Index) get(id string) *entry {
	e, ok := g.drivers[id]
	if !ok {
		e = &entry{status: models.DriverOffline, capabilities: map[string]struct{}{}}
		g.drivers[id] = e
	}
	return e
}

func (g *Index) UpdateLocation(_ context.Context, driverID string, lat, lon float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.get(driverID)
	e.loc = models.Coord{Lat: lat, Lon: lon}
	e.hasLoc = true
	e.updated = g.now()
	return nil
}

func (g *Index) SetAvailability(_ context.Context, driverID string, status models.DriverStatus, capabilities []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.get(driverID)
	e.status = status
	e.capabilities = make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		e.capabilities[c] = struct{}{}
	}
	return nil
}

// naive scan; a geohash or H3 bucket would replace this at scale
func (g *Index) FindCandidates(_ context.Context, origin models.Coord, capability string, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.drivers))
	for id, e := range g.drivers {
		if !e.eligible(capability) {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, e.loc.Lat, e.loc.Lon) / 1000
		if dist > radiusKm {
			continue
		}
		arr = append(arr, Candidate{DriverID: id, DistanceKm: dist, Location: e.loc, UpdatedAt: e.updated})
	}
	// partial selection sort for top-N
	n := min(max(limit, 0), len(arr))
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if less(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// ties broken by driver ID so results are stable
func less(a, b Candidate) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.DriverID < b.DriverID
}

// OnlineCount reports how many drivers are currently ONLINE.
func (g *Index) OnlineCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, e := range g.drivers {
		if e.status == models.DriverOnline {
			n++
		}
	}
	return n
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
