package model

import (
	"time"
)

// Attribute keys carried in Position.Attributes. Protocol decoders may add
// their own keys, these are the ones the generic stages understand.
const (
	KeyOriginal      = "raw"
	KeyDistance      = "distance"
	KeyTotalDistance = "totalDistance"
	KeyResult        = "result"
	KeyAlarm         = "alarm"
	KeyIgnition      = "ignition"
	KeyOdometer      = "odometer"
	KeySatellites    = "sat"
	KeyPower         = "power"
	KeyBattery       = "battery"
	KeyCharge        = "charge"
	KeyGSMSignal     = "gsm"
	KeyStatus        = "status"
	KeyMotion        = "motion"

	KeyMCC  = "mcc"
	KeyMNC  = "mnc"
	KeyLAC  = "lac"
	KeyCID  = "cid"
	KeyWifi = "wifi"
)

// Alarm attribute values.
const (
	AlarmSOS        = "sos"
	AlarmPowerCut   = "powerCut"
	AlarmVibration  = "vibration"
	AlarmLowBattery = "lowBattery"
	AlarmOverspeed  = "overspeed"
	AlarmFenceIn    = "geofenceEnter"
	AlarmFenceOut   = "geofenceExit"
)

// Position is one normalized fix reported by a device. DeviceID must be
// resolved before a position leaves the decode path; an unresolved decode is
// never handed to the pipeline.
type Position struct {
	ID         uint64                 `json:"id"`
	DeviceID   uint64                 `json:"deviceId"`
	Protocol   string                 `json:"protocol"`
	ServerTime time.Time              `json:"serverTime"`
	DeviceTime time.Time              `json:"deviceTime"`
	FixTime    time.Time              `json:"fixTime"`
	Valid      bool                   `json:"valid"`
	Outdated   bool                   `json:"outdated"`
	Latitude   float64                `json:"latitude"`
	Longitude  float64                `json:"longitude"`
	Altitude   float64                `json:"altitude"`
	Speed      float64                `json:"speed"`  //knots
	Course     float64                `json:"course"` //degrees
	Address    string                 `json:"address,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
}

func NewPosition(protocol string) *Position {
	return &Position{
		Protocol:   protocol,
		ServerTime: time.Now().UTC(),
		Attributes: make(map[string]interface{}),
	}
}

func (p *Position) Set(key string, value interface{}) {
	p.Attributes[key] = value
}

// Clone returns a deep enough copy for the keep-alive synthesis path: scalar
// fields plus a fresh attribute map.
func (p *Position) Clone() *Position {
	c := *p
	c.Attributes = make(map[string]interface{}, len(p.Attributes))
	for k, v := range p.Attributes {
		c.Attributes[k] = v
	}
	return &c
}
