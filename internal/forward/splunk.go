package forward

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nuha.dev/gpsgate/internal/model"
)

type splunkEvent struct {
	Time       int64           `json:"time"`
	Host       string          `json:"host,omitempty"`
	Source     string          `json:"source"`
	SourceType string          `json:"sourcetype"`
	Event      *model.Position `json:"event"`
}

// NewSplunk returns a forwarder speaking the HTTP Event Collector envelope.
func NewSplunk(url, token, source string, timeout time.Duration) Forwarder {
	client := &http.Client{Timeout: timeout}
	return newAsync("splunk", 256, func(p *model.Position) error {
		ev := splunkEvent{
			Time:       p.ServerTime.Unix(),
			Source:     source,
			SourceType: "gpsgate:position",
			Event:      p,
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Splunk "+token)
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode >= 300 {
			return fmt.Errorf("collector returned %s", res.Status)
		}
		return nil
	})
}
