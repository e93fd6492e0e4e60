// Package gt06 implements the gt06/gk310 family of binary trackers: marker
// framed messages with an X25 checksum, BCD imei login and km/h speeds.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"nuha.dev/gpsgate/internal/gateway/frame"
	"nuha.dev/gpsgate/internal/gateway/protocol"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/util/crc16"
)

const (
	msgLogin           byte = 0x01
	msgGPS             byte = 0x12
	msgStatus          byte = 0x13
	msgString          byte = 0x15
	msgGPSAlarm        byte = 0x16
	msgCommandResponse byte = 0x21
	msgGK310GPS        byte = 0x22
	msgGK310Alarm      byte = 0x26
	msgCommand         byte = 0x80
	msgTimeCheck       byte = 0x8A
)

var errBadFrame = errors.New("bad gt06 frame")

const kmhToKnots = 1 / 1.852

func init() {
	protocol.Register(&protocol.Protocol{
		Name: "gt06",
		SupportedCommands: []string{
			model.CmdEngineStop,
			model.CmdEngineResume,
			model.CmdPositionSingle,
		},
		NewSplitter: func() frame.Splitter {
			return &frame.MarkerSplitter{
				Rules: map[byte]frame.MarkerRule{
					0x78: {LengthOffset: 2, LengthSize: 1, Adjust: 5},
					0x79: {LengthOffset: 2, LengthSize: 2, Adjust: 6},
				},
				MaxLength: 1024,
			}
		},
		NewDecoder: func() protocol.Decoder { return &Decoder{} },
		NewEncoder: func() registry.CommandEncoder { return &Encoder{} },
	})
}

type Decoder struct{}

// Decode handles one framed message. Malformed payloads drop the frame with
// an error, unknown message types are ignored silently, both keep the
// connection open.
func (d *Decoder) Decode(s *protocol.Session, frm []byte) ([]*model.Position, error) {
	msgType, payload, serial, err := splitFrame(frm)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case msgLogin:
		if len(payload) < 8 {
			return nil, errBadFrame
		}
		imei := hex.EncodeToString(payload[:8])
		if imei[0] == '0' {
			imei = imei[1:]
		}
		if s.Identify(imei) {
			err := s.Write(newFrame(msgLogin, nil, serial))
			if err != nil {
				return nil, err
			}
		}
		return nil, nil

	case msgStatus:
		// heartbeat: acknowledge and let the dispatch wrapper synthesize a
		// keep-alive position when configured to
		if len(payload) < 5 {
			return nil, errBadFrame
		}
		err := s.Write(newFrame(msgStatus, nil, serial))
		return nil, err

	case msgGPS, msgGK310GPS:
		loc := time.UTC
		if msgType == msgGPS {
			loc = s.Timezone
		}
		p, err := decodeGPS(s, payload, loc)
		if err != nil {
			return nil, err
		}
		return []*model.Position{p}, nil

	case msgGPSAlarm, msgGK310Alarm:
		loc := time.UTC
		if msgType == msgGPSAlarm {
			loc = s.Timezone
		}
		p, err := decodeAlarm(s, payload, loc)
		if err != nil {
			return nil, err
		}
		err = s.Write(newFrame(msgType, nil, serial))
		if err != nil {
			return nil, err
		}
		return []*model.Position{p}, nil

	case msgString, msgCommandResponse:
		result, err := decodeCommandResponse(msgType, payload)
		if err != nil {
			return nil, err
		}
		p := s.SynthesizePosition(time.Time{})
		if p == nil {
			return nil, nil
		}
		p.Set(model.KeyResult, result)
		return []*model.Position{p}, nil

	case msgTimeCheck:
		t := time.Now().UTC()
		payload := []byte{byte(t.Year() % 100), byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second())}
		err := s.Write(newFrame(msgTimeCheck, payload, serial))
		return nil, err

	default:
		return nil, nil
	}
}

// splitFrame strips the envelope and validates the checksum. Both the short
// (0x78) and extended (0x79) header forms are handled.
func splitFrame(frm []byte) (msgType byte, payload []byte, serial int, err error) {
	if len(frm) < 10 {
		return 0, nil, 0, errBadFrame
	}
	var body []byte //from length field through serial, checksummed region
	if frm[0] == 0x78 {
		body = frm[2 : len(frm)-4]
		msgType = frm[3]
		payload = frm[4 : len(frm)-6]
	} else {
		body = frm[2 : len(frm)-4]
		msgType = frm[4]
		if len(frm) < 11 {
			return 0, nil, 0, errBadFrame
		}
		payload = frm[5 : len(frm)-6]
	}
	serial = int(binary.BigEndian.Uint16(frm[len(frm)-6 : len(frm)-4]))
	want := binary.BigEndian.Uint16(frm[len(frm)-4 : len(frm)-2])
	if crc16.Checksum(crc16.X25, body) != want {
		return 0, nil, 0, fmt.Errorf("%w: checksum mismatch", errBadFrame)
	}
	if frm[len(frm)-2] != 0x0d || frm[len(frm)-1] != 0x0a {
		return 0, nil, 0, errBadFrame
	}
	return msgType, payload, serial, nil
}

// decodeGPS parses the common gps block: bcd-ish datetime, packed
// coordinates in 1/1800000 degrees, km/h speed and the course/flag word,
// followed by the cell info block.
func decodeGPS(s *protocol.Session, d []byte, loc *time.Location) (*model.Position, error) {
	if len(d) < 18 {
		return nil, errBadFrame
	}
	p := s.Position()
	p.FixTime = time.Date(int(d[0])+2000, time.Month(d[1]), int(d[2]), int(d[3]), int(d[4]), int(d[5]), 0, loc).UTC()
	p.DeviceTime = p.FixTime
	p.Set(model.KeySatellites, int(d[6]&0x0f))
	lat := float64(binary.BigEndian.Uint32(d[7:11])) / 1800000
	lon := float64(binary.BigEndian.Uint32(d[11:15])) / 1800000
	p.Speed = float64(d[15]) * kmhToKnots
	flags := binary.BigEndian.Uint16(d[16:18])
	p.Valid = flags&0x1000 != 0
	p.Course = float64(flags & 0x03ff)
	if flags&0x0400 == 0 { //south
		lat = -lat
	}
	if flags&0x0800 != 0 { //west
		lon = -lon
	}
	p.Latitude = lat
	p.Longitude = lon
	if len(d) >= 26 {
		decodeLBS(p, d[18:])
	}
	if s.CAN && len(d) > 26 {
		p.Set(model.KeyIgnition, d[26] != 0)
	}
	return p, nil
}

func decodeLBS(p *model.Position, d []byte) {
	if len(d) < 8 {
		return
	}
	p.Set(model.KeyMCC, int(binary.BigEndian.Uint16(d[0:2])))
	p.Set(model.KeyMNC, int(d[2]))
	p.Set(model.KeyLAC, int(binary.BigEndian.Uint16(d[3:5])))
	p.Set(model.KeyCID, int(uint32(d[5])<<16|uint32(d[6])<<8|uint32(d[7])))
}

var alarmCodes = map[byte]string{
	0x01: model.AlarmSOS,
	0x02: model.AlarmPowerCut,
	0x03: model.AlarmVibration,
	0x06: model.AlarmOverspeed,
	0x13: model.AlarmLowBattery,
}

// decodeAlarm is a gps block plus a variable cell block plus the status
// block carrying the alarm code.
func decodeAlarm(s *protocol.Session, d []byte, loc *time.Location) (*model.Position, error) {
	if len(d) < 19 {
		return nil, errBadFrame
	}
	p, err := decodeGPS(s, d[:18], loc)
	if err != nil {
		return nil, err
	}
	lbsLength := int(d[18])
	statusOffset := 19 + lbsLength
	if len(d) >= 19+8 {
		decodeLBS(p, d[19:])
	}
	if len(d) > statusOffset {
		if alarm, ok := alarmCodes[d[statusOffset]]; ok {
			p.Set(model.KeyAlarm, alarm)
		}
	}
	return p, nil
}

func decodeCommandResponse(msgType byte, d []byte) (string, error) {
	if msgType == msgCommandResponse {
		if len(d) < 6 {
			return "", errBadFrame
		}
		return string(d[5:]), nil
	}
	if len(d) < 7 {
		return "", errBadFrame
	}
	return string(d[5 : len(d)-2]), nil
}

// newFrame builds a short-form response frame around payload.
func newFrame(msgType byte, payload []byte, serial int) []byte {
	lp := len(payload)
	lf := lp + 10
	frm := make([]byte, lf)
	frm[0] = 0x78
	frm[1] = 0x78
	frm[2] = byte(lp + 5)
	frm[3] = msgType
	copy(frm[4:], payload)
	binary.BigEndian.PutUint16(frm[lf-6:lf-4], uint16(serial))
	crc := crc16.Checksum(crc16.X25, frm[2:lf-4])
	binary.BigEndian.PutUint16(frm[lf-4:lf-2], crc)
	frm[lf-2] = 0x0d
	frm[lf-1] = 0x0a
	return frm
}

type Encoder struct {
	mu     sync.Mutex //command dispatch may hit one encoder from several goroutines
	serial int
}

var commandContent = map[string]string{
	model.CmdEngineStop:     "DYD#",
	model.CmdEngineResume:   "HFYD#",
	model.CmdPositionSingle: "DWXX#",
}

// Encode frames a server command (0x80): one length byte, a four byte
// server flag echoed back in the response, then the ascii content.
func (e *Encoder) Encode(cmd *model.Command) ([]byte, error) {
	content, ok := commandContent[cmd.Type]
	if !ok {
		return nil, fmt.Errorf("gt06: no content for command %s", cmd.Type)
	}
	e.mu.Lock()
	e.serial++
	serial := e.serial
	e.mu.Unlock()
	payload := make([]byte, 5+len(content))
	payload[0] = byte(4 + len(content))
	copy(payload[5:], content)
	return newFrame(msgCommand, payload, serial), nil
}
