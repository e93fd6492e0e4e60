package pipeline

import (
	"math"
	"sync"
	"time"

	"nuha.dev/gpsgate/internal/model"
)

// FilterStage drops fixes that carry no new information: duplicates of the
// last accepted fix time, fixes arriving faster than MinPeriod, and
// optionally invalid fixes.
type FilterStage struct {
	SkipInvalid bool
	MinPeriod   time.Duration

	mu   sync.Mutex
	last map[uint64]time.Time //deviceID -> last accepted fix time
}

func NewFilterStage(skipInvalid bool, minPeriod time.Duration) *FilterStage {
	return &FilterStage{SkipInvalid: skipInvalid, MinPeriod: minPeriod, last: make(map[uint64]time.Time)}
}

func (f *FilterStage) Name() string { return "filter" }

func (f *FilterStage) Process(p *model.Position) *model.Position {
	if f.SkipInvalid && !p.Valid && !p.Outdated {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.last[p.DeviceID]
	if ok {
		if p.FixTime.Equal(last) && !p.Outdated {
			return nil //duplicate
		}
		if f.MinPeriod > 0 && p.FixTime.Sub(last) < f.MinPeriod && !p.Outdated {
			return nil
		}
	}
	if !p.FixTime.IsZero() {
		f.last[p.DeviceID] = p.FixTime
	}
	return p
}

// HemisphereStage forces the configured latitude/longitude sign for devices
// that report unsigned coordinates. Zero means leave the reported sign.
type HemisphereStage struct {
	Latitude  int //+1 north, -1 south
	Longitude int //+1 east, -1 west
}

func (h *HemisphereStage) Name() string { return "hemisphere" }

func (h *HemisphereStage) Process(p *model.Position) *model.Position {
	if h.Latitude != 0 {
		p.Latitude = math.Abs(p.Latitude) * float64(h.Latitude)
	}
	if h.Longitude != 0 {
		p.Longitude = math.Abs(p.Longitude) * float64(h.Longitude)
	}
	return p
}

type lastFix struct {
	lat, lon float64
	total    float64
	valid    bool
}

// DistanceStage annotates each fix with the haversine distance from the
// previous one and the running total, in meters.
type DistanceStage struct {
	mu   sync.Mutex
	last map[uint64]lastFix
}

func NewDistanceStage() *DistanceStage {
	return &DistanceStage{last: make(map[uint64]lastFix)}
}

func (d *DistanceStage) Name() string { return "distance" }

func (d *DistanceStage) Process(p *model.Position) *model.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.last[p.DeviceID]
	distance := 0.0
	if ok && prev.valid && p.Valid {
		distance = haversine(prev.lat, prev.lon, p.Latitude, p.Longitude)
	}
	total := prev.total + distance
	p.Set(model.KeyDistance, distance)
	p.Set(model.KeyTotalDistance, total)
	if p.Valid {
		d.last[p.DeviceID] = lastFix{lat: p.Latitude, lon: p.Longitude, total: total, valid: true}
	} else {
		prev.total = total
		d.last[p.DeviceID] = prev
	}
	return p
}

const earthRadius = 6371000.0

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

// StageFunc adapts a function to the Stage interface, used for the
// extra-handler hook.
type StageFunc struct {
	Tag string
	Fn  func(p *model.Position) *model.Position
}

func (s StageFunc) Name() string { return s.Tag }

func (s StageFunc) Process(p *model.Position) *model.Position {
	return s.Fn(p)
}
