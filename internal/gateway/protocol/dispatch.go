package protocol

import (
	"encoding/hex"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/gateway/pipeline"
	"nuha.dev/gpsgate/internal/model"
)

const (
	DECODE_ERROR string = "decode_error"
)

// Dispatcher wraps a decoder uniformly: it refreshes liveness on every frame
// of an identified session, synthesizes keep-alive positions when the
// protocol allows it, preserves the raw frame when configured, and feeds
// decoded records into the pipeline in arrival order.
type Dispatcher struct {
	session *Session
	decoder Decoder
	chain   *pipeline.Chain
	log     log.Logger

	SaveEmpty    bool //synthesize an outdated position for location-less frames
	SaveOriginal bool //attach the raw frame as an attribute
}

func NewDispatcher(s *Session, decoder Decoder, chain *pipeline.Chain) *Dispatcher {
	d := &Dispatcher{session: s, decoder: decoder, chain: chain}
	d.log = s.log
	return d
}

// OnFrame processes one complete frame. Decode failures drop the frame and
// keep the connection open; only the caller's transport errors terminate the
// connection task.
func (d *Dispatcher) OnFrame(frm []byte) {
	positions, err := d.decoder.Decode(d.session, frm)

	// Liveness refresh happens regardless of decode outcome so periodic
	// keep-alives with no location still extend the online window.
	if d.session.Identified() {
		d.session.reg.Seen(d.session.deviceID)
	}

	if err != nil {
		d.log.Error().Err(err).Str("event", DECODE_ERROR).Uint64("device_id", d.session.deviceID).Hex("frame", frm).Msg("frame dropped")
		return
	}

	if len(positions) == 0 && d.SaveEmpty && d.session.Identified() {
		if p := d.session.SynthesizePosition(time.Time{}); p != nil {
			positions = append(positions, p)
		}
	}

	for _, p := range positions {
		if p == nil {
			continue
		}
		if p.DeviceID == 0 {
			if !d.session.Identified() {
				continue //unresolved identity is never handed downstream
			}
			p.DeviceID = d.session.deviceID
		}
		if d.SaveOriginal {
			if d.session.proto.Textual {
				p.Set(model.KeyOriginal, string(frm))
			} else {
				p.Set(model.KeyOriginal, hex.EncodeToString(frm))
			}
		}
		d.chain.Feed(p)
	}
}
