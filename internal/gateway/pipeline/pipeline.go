package pipeline

import (
	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/model"
)

// Stage is one unit of the ordered processing chain a decoded position
// passes through. Returning nil drops the record; side effects (storage,
// forwarding, events) happen inside the stage. A chain is built once per
// listening endpoint and shared across its connections, stages carrying
// per-device state guard it themselves.
type Stage interface {
	Name() string
	Process(p *model.Position) *model.Position
}

type Chain struct {
	log    log.Logger
	stages []Stage
}

func NewChain(stages ...Stage) *Chain {
	c := &Chain{stages: stages}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "pipeline").Value()
	return c
}

func (c *Chain) Stages() []Stage {
	return c.stages
}

// Feed runs one position through the chain in order. Stage panics are not
// recovered here: stages are trusted code, decode-path input validation
// happens in the decoders.
func (c *Chain) Feed(p *model.Position) {
	for _, stage := range c.stages {
		p = stage.Process(p)
		if p == nil {
			return
		}
	}
}
