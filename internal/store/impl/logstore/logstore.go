package logstore

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsgate/internal/model"
)

// LogStore is the development sink: it satisfies both store interfaces and
// just logs what it is handed.
type LogStore struct {
	logger zerolog.Logger
}

func NewStore() *LogStore {
	return &LogStore{logger: log.With().Str("module", "logstore").Logger()}
}

func (l *LogStore) Put(p *model.Position) {
	l.logger.Info().
		Uint64("device_id", p.DeviceID).
		Str("protocol", p.Protocol).
		Float64("lat", p.Latitude).
		Float64("lon", p.Longitude).
		Float64("speed", p.Speed).
		Bool("valid", p.Valid).
		Bool("outdated", p.Outdated).
		Time("fix_time", p.FixTime).
		Msg("position")
}

func (l *LogStore) UpdateStatus(d *model.Device) {
	l.logger.Info().Uint64("device_id", d.ID).Str("status", d.Status).Msg("device status")
}
