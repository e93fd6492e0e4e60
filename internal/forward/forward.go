package forward

import (
	"context"

	"github.com/mustafaturan/bus/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsgate/internal/model"
)

const TopicPositions = "positions.decoded"

// Forwarder pushes a normalized position to an external endpoint. Forward
// must never block the caller: every implementation here queues into its own
// worker and drops with a log line when the backlog is full. Exactly one
// contract for all forwarders; the connection-state check and the write
// happen inside the worker, atomically with respect to teardown.
type Forwarder interface {
	Name() string
	Forward(p *model.Position)
}

// Hub fans decoded positions out to the attached forwarders over an
// in-process message bus.
type Hub struct {
	b      *bus.Bus
	logger zerolog.Logger
}

func NewHub(idgen bus.Next) (*Hub, error) {
	b, err := bus.NewBus(idgen)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicPositions)
	return &Hub{b: b, logger: log.With().Str("module", "forward").Logger()}, nil
}

func (h *Hub) Attach(f Forwarder) {
	h.b.RegisterHandler("forward:"+f.Name(), bus.Handler{
		Matcher: TopicPositions,
		Handle: func(ctx context.Context, e bus.Event) {
			if p, ok := e.Data.(*model.Position); ok {
				f.Forward(p)
			}
		},
	})
	h.logger.Info().Str("forwarder", f.Name()).Msg("forwarder attached")
}

func (h *Hub) Publish(p *model.Position) {
	err := h.b.Emit(context.Background(), TopicPositions, p)
	if err != nil {
		h.logger.Err(err).Msg("emit failed")
	}
}

// async is the shared worker under every forwarder: a bounded queue drained
// by one goroutine calling send.
type async struct {
	name   string
	ch     chan *model.Position
	logger zerolog.Logger
	send   func(p *model.Position) error
}

func newAsync(name string, depth int, send func(p *model.Position) error) *async {
	a := &async{name: name, ch: make(chan *model.Position, depth), send: send}
	a.logger = log.With().Str("module", "forward").Str("forwarder", name).Logger()
	go a.run()
	return a
}

func (a *async) Name() string {
	return a.name
}

func (a *async) Forward(p *model.Position) {
	select {
	case a.ch <- p:
	default:
		a.logger.Warn().Uint64("device_id", p.DeviceID).Msg("forward queue full, record dropped")
	}
}

func (a *async) run() {
	for p := range a.ch {
		err := a.send(p)
		if err != nil {
			a.logger.Err(err).Uint64("device_id", p.DeviceID).Msg("forward failed")
		}
	}
}
