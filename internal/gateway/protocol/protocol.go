package protocol

import (
	"sort"

	"nuha.dev/gpsgate/internal/gateway/frame"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
)

// Decoder consumes one complete frame and produces zero, one or many
// normalized positions. Decoders keep no identity state of their own, that
// lives in the Session.
type Decoder interface {
	Decode(s *Session, frm []byte) ([]*model.Position, error)
}

// Protocol is one registered codec: how to split its stream into frames, how
// to decode them and optionally how to encode commands back out.
type Protocol struct {
	Name      string
	Transport string //"tcp" or "udp", tcp when empty
	Textual   bool   //text codec, affects raw capture and custom commands

	SupportedCommands []string

	NewSplitter func() frame.Splitter
	NewDecoder  func() Decoder
	NewEncoder  func() registry.CommandEncoder //nil when the protocol has no downlink framing
}

// protocols is the compile-time registration table. Codecs register
// themselves from init, the server activates every entry with a configured
// port. No runtime scanning involved.
var protocols = make(map[string]*Protocol)

func Register(p *Protocol) {
	if p.Transport == "" {
		p.Transport = "tcp"
	}
	protocols[p.Name] = p
}

func Lookup(name string) (*Protocol, bool) {
	p, ok := protocols[name]
	return p, ok
}

// All returns the registered protocols in stable name order.
func All() []*Protocol {
	names := make([]string, 0, len(protocols))
	for name := range protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Protocol, 0, len(names))
	for _, name := range names {
		out = append(out, protocols[name])
	}
	return out
}
