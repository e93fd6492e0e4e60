package forward

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"nuha.dev/gpsgate/internal/model"
)

// NewNats returns a forwarder publishing each position to a NATS subject.
func NewNats(url, subject string) (Forwarder, error) {
	nc, err := nats.Connect(url, nats.Name("gpsgate-forwarder"))
	if err != nil {
		return nil, err
	}
	return newAsync("nats", 1024, func(p *model.Position) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return nc.Publish(subject, data)
	}), nil
}
