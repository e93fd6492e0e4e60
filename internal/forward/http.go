package forward

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nuha.dev/gpsgate/internal/model"
)

// NewHTTP returns the generic JSON forwarder: POST of the serialized
// position to a configured URL. Slow endpoints are bounded by the client
// timeout, not by the pipeline.
func NewHTTP(url string, timeout time.Duration) Forwarder {
	client := &http.Client{Timeout: timeout}
	return newAsync("http", 256, func(p *model.Position) error {
		body, err := json.Marshal(p)
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode >= 300 {
			return fmt.Errorf("endpoint returned %s", res.Status)
		}
		return nil
	})
}
