package store

import (
	"nuha.dev/gpsgate/internal/model"
)

// LocationStore accepts decoded positions for storage. Implementations must
// not block the pipeline: failures are logged, never returned upstream.
type LocationStore interface {
	Put(p *model.Position)
}

// StatusStore persists device status transitions.
type StatusStore interface {
	UpdateStatus(d *model.Device)
}
