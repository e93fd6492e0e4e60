package protocol

import (
	"io"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/directory"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
)

const (
	DEVICE_IDENTIFIED string = "device_identified"
	UNKNOWN_DEVICE    string = "unknown_device"
)

// Session is the per-connection identity state machine: it starts
// unidentified and binds the connection into the registry once the decoder
// presents a unique id the directory knows. Owned by the connection's task,
// decoders receive it by reference.
type Session struct {
	proto    *Protocol
	writer   io.WriteCloser
	remote   string
	dir      *directory.Directory
	reg      *registry.Registry
	log      log.Logger
	deviceID uint64
	uniqueID string
	warned   bool

	// Per-endpoint decode options, read by protocol decoders.
	Timezone *time.Location
	CAN      bool
}

func NewSession(p *Protocol, w io.WriteCloser, remote string, dir *directory.Directory, reg *registry.Registry, logger log.Logger) *Session {
	s := &Session{proto: p, writer: w, remote: remote, dir: dir, reg: reg}
	s.log = logger
	s.log.Context = log.NewContext(logger.Context).Str("protocol", p.Name).Str("remote", remote).Value()
	s.Timezone = time.UTC
	return s
}

// Identify resolves the candidate unique id and, on success, binds this
// connection as the device's active one. Idempotent for the id already
// bound. An unknown id is expected traffic, not an error: it logs one
// warning per connection and leaves the session unidentified.
func (s *Session) Identify(candidate string) bool {
	if s.deviceID != 0 && s.uniqueID == candidate {
		return true
	}
	dev := s.dir.DeviceByUniqueID(candidate)
	if dev == nil {
		if !s.warned {
			s.log.Warn().Str("event", UNKNOWN_DEVICE).Str("unique_id", candidate).Msg("id not found in device directory")
			s.warned = true
		}
		return false
	}
	s.deviceID = dev.ID
	s.uniqueID = candidate
	var encoder registry.CommandEncoder
	if s.proto.NewEncoder != nil {
		encoder = s.proto.NewEncoder()
	}
	s.reg.Bind(dev.ID, dev.Name, registry.Binding{
		Protocol:   s.proto.Name,
		Writer:     s.writer,
		RemoteAddr: s.remote,
		Encoder:    encoder,
		Supported:  s.proto.SupportedCommands,
		Textual:    s.proto.Textual,
	})
	s.log.Info().Str("event", DEVICE_IDENTIFIED).Str("unique_id", candidate).Uint64("device_id", dev.ID).Msg("")
	return true
}

func (s *Session) Identified() bool {
	return s.deviceID != 0
}

func (s *Session) DeviceID() uint64 {
	return s.deviceID
}

func (s *Session) UniqueID() string {
	return s.uniqueID
}

func (s *Session) Protocol() *Protocol {
	return s.proto
}

func (s *Session) Logger() log.Logger {
	return s.log
}

// Write sends a protocol response (ack, time sync) back to the device.
func (s *Session) Write(b []byte) error {
	_, err := s.writer.Write(b)
	return err
}

// Position returns a fresh position pre-bound to this session's device.
func (s *Session) Position() *model.Position {
	p := model.NewPosition(s.proto.Name)
	p.DeviceID = s.deviceID
	return p
}

// SynthesizePosition clones the last known fix for a keep-alive that carried
// no location: coordinates, course, speed and validity are reused, the
// result is marked outdated and the device time substituted (server time
// when the device reported none). Nil when no fix is cached yet.
func (s *Session) SynthesizePosition(deviceTime time.Time) *model.Position {
	if s.deviceID == 0 {
		return nil
	}
	last := s.reg.LastPosition(s.deviceID)
	if last == nil {
		return nil
	}
	p := last.Clone()
	p.ID = 0
	p.Protocol = s.proto.Name
	p.Outdated = true
	p.ServerTime = time.Now().UTC()
	if deviceTime.IsZero() {
		p.DeviceTime = p.ServerTime
	} else {
		p.DeviceTime = deviceTime
	}
	return p
}

// Close unbinds the device's active connection. Called by the server when
// the transport read loop ends; demotes the device to offline if this
// connection is still the bound one.
func (s *Session) Close() {
	if s.deviceID != 0 {
		s.reg.Unbind(s.deviceID, s.writer)
	}
}
