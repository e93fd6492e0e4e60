// Package h02 implements the H02 family of text trackers: comma separated
// fields terminated by '#', every message self-identifying.
package h02

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nuha.dev/gpsgate/internal/gateway/frame"
	"nuha.dev/gpsgate/internal/gateway/protocol"
	"nuha.dev/gpsgate/internal/model"
)

var errBadMessage = errors.New("bad h02 message")

func init() {
	protocol.Register(&protocol.Protocol{
		Name:    "h02",
		Textual: true,
		SupportedCommands: []string{
			model.CmdCustom,
		},
		NewSplitter: func() frame.Splitter {
			return &frame.DelimiterSplitter{
				Delimiters: [][]byte{{'#'}},
				Strip:      true,
				MaxLength:  256,
			}
		},
		NewDecoder: func() protocol.Decoder { return &Decoder{} },
	})
}

type Decoder struct{}

// Decode parses one '*HQ,...' message. Every message carries the device id,
// so identification happens per message rather than once at login.
func (d *Decoder) Decode(s *protocol.Session, frm []byte) ([]*model.Position, error) {
	msg := strings.TrimSpace(string(frm))
	if !strings.HasPrefix(msg, "*") {
		return nil, errBadMessage
	}
	fields := strings.Split(msg[1:], ",")
	if len(fields) < 3 || fields[0] != "HQ" {
		return nil, fmt.Errorf("%w: unexpected header", errBadMessage)
	}
	if !s.Identify(fields[1]) {
		return nil, nil
	}
	switch fields[2] {
	case "V1", "V4":
		return d.decodeV1(s, fields)
	default:
		return nil, nil
	}
}

// *HQ,imei,V1,hhmmss,A,ddmm.mmmm,N,dddmm.mmmm,E,speed,course,ddmmyy,status
func (d *Decoder) decodeV1(s *protocol.Session, f []string) ([]*model.Position, error) {
	if len(f) < 13 {
		return nil, fmt.Errorf("%w: %d fields", errBadMessage, len(f))
	}
	p := s.Position()
	p.Valid = f[4] == "A"

	fixTime, err := parseDateTime(f[11], f[3])
	if err != nil {
		return nil, err
	}
	p.FixTime = fixTime
	p.DeviceTime = fixTime

	p.Latitude, err = parseCoordinate(f[5], 2, f[6] == "S")
	if err != nil {
		return nil, err
	}
	p.Longitude, err = parseCoordinate(f[7], 3, f[8] == "W")
	if err != nil {
		return nil, err
	}

	p.Speed, err = strconv.ParseFloat(f[9], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: speed %q", errBadMessage, f[9])
	}
	if f[10] != "" {
		p.Course, err = strconv.ParseFloat(f[10], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: course %q", errBadMessage, f[10])
		}
	}

	if err := decodeStatus(p, f[12]); err != nil {
		return nil, err
	}
	return []*model.Position{p}, nil
}

// parseCoordinate converts the degrees-and-decimal-minutes form, degDigits
// degree digits followed by minutes.
func parseCoordinate(v string, degDigits int, negative bool) (float64, error) {
	if len(v) <= degDigits {
		return 0, fmt.Errorf("%w: coordinate %q", errBadMessage, v)
	}
	deg, err := strconv.Atoi(v[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", errBadMessage, v)
	}
	min, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", errBadMessage, v)
	}
	out := float64(deg) + min/60
	if negative {
		out = -out
	}
	return out, nil
}

func parseDateTime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) != 6 {
		return time.Time{}, fmt.Errorf("%w: datetime %q %q", errBadMessage, date, clock)
	}
	t, err := time.ParseInLocation("020106150405", date+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: datetime %q %q", errBadMessage, date, clock)
	}
	return t, nil
}

// decodeStatus unpacks the 32 bit status word; alarm bits are active low.
func decodeStatus(p *model.Position, v string) error {
	status, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return fmt.Errorf("%w: status %q", errBadMessage, v)
	}
	p.Set(model.KeyStatus, uint32(status))
	switch {
	case status&(1<<0) == 0:
		p.Set(model.KeyAlarm, model.AlarmVibration)
	case status&(1<<1) == 0:
		p.Set(model.KeyAlarm, model.AlarmSOS)
	case status&(1<<2) == 0:
		p.Set(model.KeyAlarm, model.AlarmOverspeed)
	case status&(1<<19) == 0:
		p.Set(model.KeyAlarm, model.AlarmPowerCut)
	}
	p.Set(model.KeyIgnition, status&(1<<10) != 0)
	return nil
}
