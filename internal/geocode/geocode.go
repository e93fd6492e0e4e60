package geocode

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsgate/internal/model"
)

// Geocoder resolves coordinates to a human readable address.
type Geocoder interface {
	ReverseGeocode(lat, lon float64) (string, error)
}

func New(geocoderType string) (Geocoder, error) {
	switch geocoderType {
	case "", "nominatim":
		return NewNominatim("https://nominatim.openstreetmap.org"), nil
	default:
		return nil, fmt.Errorf("unknown geocoder type %q", geocoderType)
	}
}

type Nominatim struct {
	base   string
	client *http.Client
}

func NewNominatim(base string) *Nominatim {
	return &Nominatim{base: base, client: &http.Client{Timeout: 10 * time.Second}}
}

func (g *Nominatim) ReverseGeocode(lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lon))
	res, err := g.client.Get(g.base + "/reverse?" + q.Encode())
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return "", fmt.Errorf("geocoder returned %s", res.Status)
	}
	var body struct {
		DisplayName string `json:"display_name"`
	}
	err = json.NewDecoder(res.Body).Decode(&body)
	if err != nil {
		return "", err
	}
	return body.DisplayName, nil
}

// AddressSink receives late-resolved addresses for positions that already
// left the pipeline. The registry satisfies this.
type AddressSink interface {
	SetAddress(deviceID, positionID uint64, address string)
}

const defaultCacheSize = 128

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.5f,%.5f", lat, lon)
}

// Stage fills Position.Address. Cache hits resolve inline; misses are looked
// up in the background so a record is never held hostage by a slow geocoder.
// When the lookup lands, the answer goes into the cache for the next fix
// nearby and is pushed to the sink so the triggering position's cached copy
// picks the address up too. The cache is bounded, eviction is arbitrary.
type Stage struct {
	geocoder Geocoder
	sink     AddressSink
	logger   zerolog.Logger
	inflight chan struct{}

	size int
	mu   sync.Mutex
	m    map[string]string
}

func NewStage(g Geocoder, cacheSize int, sink AddressSink) *Stage {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Stage{
		geocoder: g,
		sink:     sink,
		logger:   log.With().Str("module", "geocode").Logger(),
		inflight: make(chan struct{}, 8),
		size:     cacheSize,
		m:        make(map[string]string, cacheSize),
	}
}

func (s *Stage) Name() string { return "geocoder" }

func (s *Stage) Process(p *model.Position) *model.Position {
	if !p.Valid || p.Address != "" {
		return p
	}
	key := cacheKey(p.Latitude, p.Longitude)
	s.mu.Lock()
	addr, hit := s.m[key]
	s.mu.Unlock()
	if hit {
		p.Address = addr
		return p
	}
	select {
	case s.inflight <- struct{}{}:
		deviceID, positionID := p.DeviceID, p.ID
		lat, lon := p.Latitude, p.Longitude
		go func() {
			defer func() { <-s.inflight }()
			addr, err := s.geocoder.ReverseGeocode(lat, lon)
			if err != nil {
				s.logger.Err(err).Msg("reverse geocode failed")
				return
			}
			s.store(key, addr)
			if s.sink != nil {
				s.sink.SetAddress(deviceID, positionID, addr)
			}
		}()
	default:
	}
	return p
}

func (s *Stage) store(key, addr string) {
	s.mu.Lock()
	if len(s.m) >= s.size {
		for k := range s.m {
			delete(s.m, k)
			break
		}
	}
	s.m[key] = addr
	s.mu.Unlock()
}
