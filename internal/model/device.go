package model

import (
	"time"
)

// Device liveness states. UNKNOWN means the socket may still be open but
// nothing arrived within the status timeout; OFFLINE means the bound
// connection is gone.
const (
	StatusUnknown = "unknown"
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusMoving  = "moving"
	StatusStopped = "stopped"
)

type Device struct {
	ID         uint64            `json:"id"`
	Name       string            `json:"name"`
	UniqueID   string            `json:"uniqueId"`
	Status     string            `json:"status"`
	LastUpdate time.Time         `json:"lastUpdate"`
	PositionID uint64            `json:"positionId"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event types raised by the registry and the detector stages.
const (
	EventCommandResult = "commandResult"
	EventDeviceOnline  = "deviceOnline"
	EventDeviceUnknown = "deviceUnknown"
	EventDeviceOffline = "deviceOffline"
	EventDeviceMoving  = "deviceMoving"
	EventDeviceStopped = "deviceStopped"
	EventOverspeed     = "deviceOverspeed"
	EventGeofenceEnter = "geofenceEnter"
	EventGeofenceExit  = "geofenceExit"
)

type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	ServerTime time.Time              `json:"serverTime"`
	DeviceID   uint64                 `json:"deviceId"`
	PositionID uint64                 `json:"positionId,omitempty"`
	GeofenceID uint64                 `json:"geofenceId,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func NewEvent(eventType string, deviceID uint64) *Event {
	return &Event{
		Type:       eventType,
		ServerTime: time.Now().UTC(),
		DeviceID:   deviceID,
		Attributes: make(map[string]interface{}),
	}
}
