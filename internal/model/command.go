package model

// Command types. Custom is always dispatchable, everything else only when the
// owning protocol declares support for it.
const (
	CmdCustom           = "custom"
	CmdPositionSingle   = "positionSingle"
	CmdPositionPeriodic = "positionPeriodic"
	CmdEngineStop       = "engineStop"
	CmdEngineResume     = "engineResume"
	CmdAlarmArm         = "alarmArm"
	CmdAlarmDisarm      = "alarmDisarm"
	CmdRebootDevice     = "rebootDevice"
)

// Command attribute keys.
const (
	KeyData      = "data"
	KeyFrequency = "frequency"
)

type Command struct {
	DeviceID   uint64                 `json:"deviceId"`
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes"`
}

func (c *Command) String(key string) string {
	if v, ok := c.Attributes[key].(string); ok {
		return v
	}
	return ""
}
