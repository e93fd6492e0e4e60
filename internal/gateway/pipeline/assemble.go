package pipeline

import (
	"strings"
	"sync/atomic"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/config"
	"nuha.dev/gpsgate/internal/event"
	"nuha.dev/gpsgate/internal/forward"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/geocode"
	"nuha.dev/gpsgate/internal/location"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/store"
)

// Deps are the collaborators the optional stages close over. Nil members
// simply disable the stages needing them.
type Deps struct {
	Registry *registry.Registry
	Store    store.LocationStore
	Geocoder geocode.Geocoder
	Location location.Provider
	Forward  *forward.Hub
	Geofence event.GeofenceChecker
	Extra    map[string]Stage //extra.handlers lookup table
}

var positionSeq uint64

// Assemble builds the ordered stage chain for one listening endpoint from
// the configuration flags. Built once at startup, shared read-only across
// the endpoint's connections. Ordering is load-bearing: correction stages
// feed geocoding/location, which feed persistence, which feeds the
// detectors. A misconfigured optional stage is logged and skipped, never
// fatal.
func Assemble(cfg *config.Config, proto string, deps Deps) *Chain {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "pipeline").Str("protocol", proto).Value()
	pc := cfg.Protocol(proto)

	stages := []Stage{StageFunc{Tag: "sequence", Fn: func(p *model.Position) *model.Position {
		p.ID = atomic.AddUint64(&positionSeq, 1)
		return p
	}}}

	if cfg.FilterEnable {
		stages = append(stages, NewFilterStage(cfg.FilterInvalid, cfg.FilterMinPeriod))
	}
	if h := hemisphereFromConfig(pc); h != nil {
		stages = append(stages, h)
	}
	if cfg.DistanceEnable {
		stages = append(stages, NewDistanceStage())
	}
	if cfg.GeocoderEnable {
		if deps.Geocoder != nil {
			var sink geocode.AddressSink
			if deps.Registry != nil {
				sink = deps.Registry
			}
			stages = append(stages, geocode.NewStage(deps.Geocoder, cfg.GeocoderCacheSize, sink))
		} else {
			logger.Warn().Msg("geocoder.enable set but no geocoder available, stage skipped")
		}
	}
	if cfg.LocationEnable {
		if deps.Location != nil {
			stages = append(stages, location.NewStage(deps.Location))
		} else {
			logger.Warn().Msg("location.enable set but no provider available, stage skipped")
		}
	}
	if deps.Store != nil {
		stages = append(stages, StageFunc{Tag: "store", Fn: func(p *model.Position) *model.Position {
			deps.Store.Put(p)
			return p
		}})
	}
	if deps.Forward != nil {
		stages = append(stages, StageFunc{Tag: "forward", Fn: func(p *model.Position) *model.Position {
			deps.Forward.Publish(p)
			return p
		}})
	}
	if cfg.EventEnable && deps.Registry != nil {
		stages = append(stages, event.NewCommandResultDetector(deps.Registry))
		if cfg.OverspeedHandler {
			stages = append(stages, event.NewOverspeedDetector(deps.Registry, cfg.OverspeedLimit))
		}
		if cfg.MotionHandler {
			stages = append(stages, event.NewMotionDetector(deps.Registry, 0))
		}
		if cfg.GeofenceHandler {
			if deps.Geofence != nil {
				stages = append(stages, event.NewGeofenceDetector(deps.Registry, deps.Geofence))
			} else {
				logger.Warn().Msg("event.geofenceHandler set but no checker available, stage skipped")
			}
		}
	}
	for _, name := range cfg.ExtraHandlers {
		if st, ok := deps.Extra[name]; ok {
			stages = append(stages, st)
		} else {
			logger.Warn().Str("handler", name).Msg("unknown extra handler, skipped")
		}
	}
	if deps.Registry != nil {
		// terminal sink: replace the cached last-known position and fan out
		stages = append(stages, StageFunc{Tag: "registry", Fn: func(p *model.Position) *model.Position {
			deps.Registry.UpdatePosition(p)
			return p
		}})
	}
	return NewChain(stages...)
}

func hemisphereFromConfig(pc config.ProtocolConfig) *HemisphereStage {
	h := &HemisphereStage{}
	switch strings.ToUpper(pc.LatitudeHemisphere) {
	case "N":
		h.Latitude = 1
	case "S":
		h.Latitude = -1
	}
	switch strings.ToUpper(pc.LongitudeHemisphere) {
	case "E":
		h.Longitude = 1
	case "W":
		h.Longitude = -1
	}
	if h.Latitude == 0 && h.Longitude == 0 {
		return nil
	}
	return h
}
