package event

import (
	"sync"

	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
)

// CommandResultDetector raises a commandResult event whenever a decoder
// attached a result attribute to a position.
type CommandResultDetector struct {
	reg *registry.Registry
}

func NewCommandResultDetector(reg *registry.Registry) *CommandResultDetector {
	return &CommandResultDetector{reg: reg}
}

func (d *CommandResultDetector) Name() string { return "commandResult" }

func (d *CommandResultDetector) Process(p *model.Position) *model.Position {
	if result, ok := p.Attributes[model.KeyResult]; ok {
		e := model.NewEvent(model.EventCommandResult, p.DeviceID)
		e.PositionID = p.ID
		e.Attributes[model.KeyResult] = result
		d.reg.RaiseEvent(e, p)
	}
	return p
}

// OverspeedDetector raises one overspeed event per excursion above the
// limit: the device must drop below the limit before another fires.
type OverspeedDetector struct {
	reg   *registry.Registry
	limit float64 //knots

	mu   sync.Mutex
	over map[uint64]bool
}

func NewOverspeedDetector(reg *registry.Registry, limit float64) *OverspeedDetector {
	return &OverspeedDetector{reg: reg, limit: limit, over: make(map[uint64]bool)}
}

func (d *OverspeedDetector) Name() string { return "overspeed" }

func (d *OverspeedDetector) Process(p *model.Position) *model.Position {
	if d.limit <= 0 || !p.Valid {
		return p
	}
	d.mu.Lock()
	wasOver := d.over[p.DeviceID]
	isOver := p.Speed > d.limit
	d.over[p.DeviceID] = isOver
	d.mu.Unlock()
	if isOver && !wasOver {
		e := model.NewEvent(model.EventOverspeed, p.DeviceID)
		e.PositionID = p.ID
		e.Attributes["speed"] = p.Speed
		e.Attributes["speedLimit"] = d.limit
		d.reg.RaiseEvent(e, p)
	}
	return p
}

// MotionDetector drives the registry's moving/stopped transitions from fix
// speed. The registry raises the events and leaves the expiry timer alone.
type MotionDetector struct {
	reg       *registry.Registry
	threshold float64 //knots
}

func NewMotionDetector(reg *registry.Registry, threshold float64) *MotionDetector {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &MotionDetector{reg: reg, threshold: threshold}
}

func (d *MotionDetector) Name() string { return "motion" }

func (d *MotionDetector) Process(p *model.Position) *model.Position {
	if !p.Valid || p.Outdated {
		return p
	}
	moving := p.Speed > d.threshold
	p.Set(model.KeyMotion, moving)
	d.reg.SetMotion(p.DeviceID, moving, p)
	return p
}

// GeofenceChecker is the external polygon evaluator: which geofences
// contain the point. Polygon math is out of scope here.
type GeofenceChecker interface {
	ContainingGeofences(lat, lon float64) []uint64
}

// GeofenceDetector diffs the containing-geofence set between consecutive
// fixes and raises enter/exit events.
type GeofenceDetector struct {
	reg     *registry.Registry
	checker GeofenceChecker

	mu     sync.Mutex
	inside map[uint64]map[uint64]bool //deviceID -> geofenceIDs
}

func NewGeofenceDetector(reg *registry.Registry, checker GeofenceChecker) *GeofenceDetector {
	return &GeofenceDetector{reg: reg, checker: checker, inside: make(map[uint64]map[uint64]bool)}
}

func (d *GeofenceDetector) Name() string { return "geofence" }

func (d *GeofenceDetector) Process(p *model.Position) *model.Position {
	if !p.Valid {
		return p
	}
	current := make(map[uint64]bool)
	for _, id := range d.checker.ContainingGeofences(p.Latitude, p.Longitude) {
		current[id] = true
	}
	d.mu.Lock()
	previous := d.inside[p.DeviceID]
	d.inside[p.DeviceID] = current
	d.mu.Unlock()

	for id := range current {
		if !previous[id] {
			e := model.NewEvent(model.EventGeofenceEnter, p.DeviceID)
			e.PositionID = p.ID
			e.GeofenceID = id
			d.reg.RaiseEvent(e, p)
		}
	}
	for id := range previous {
		if !current[id] {
			e := model.NewEvent(model.EventGeofenceExit, p.DeviceID)
			e.PositionID = p.ID
			e.GeofenceID = id
			d.reg.RaiseEvent(e, p)
		}
	}
	return p
}
