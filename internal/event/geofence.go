package event

import (
	"math"
	"sync"
)

// Circle is a geofence described by its center and radius in meters.
type Circle struct {
	ID     uint64
	Lat    float64
	Lon    float64
	Radius float64
}

// StaticGeofences is an in-memory circle evaluator. Polygon support lives
// behind the GeofenceChecker interface for callers that need it.
type StaticGeofences struct {
	mu      sync.RWMutex
	circles []Circle
}

func NewStaticGeofences(circles []Circle) *StaticGeofences {
	return &StaticGeofences{circles: circles}
}

// Replace swaps the whole set, e.g. after a directory refresh.
func (s *StaticGeofences) Replace(circles []Circle) {
	s.mu.Lock()
	s.circles = circles
	s.mu.Unlock()
}

func (s *StaticGeofences) ContainingGeofences(lat, lon float64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	for _, c := range s.circles {
		if distance(lat, lon, c.Lat, c.Lon) <= c.Radius {
			out = append(out, c.ID)
		}
	}
	return out
}

const earthRadius = 6371000.0

func distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}
