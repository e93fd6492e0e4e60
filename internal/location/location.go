package location

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsgate/internal/model"
)

// Provider resolves a position without a GPS fix from its cell tower
// attributes.
type Provider interface {
	Locate(mcc, mnc, lac, cid int) (lat, lon float64, err error)
}

func New(providerType, url, key string) (Provider, error) {
	switch providerType {
	case "", "universal":
		return NewUniversal(url, key), nil
	default:
		return nil, fmt.Errorf("unknown location provider type %q", providerType)
	}
}

// Universal speaks the common JSON cell lookup shape used by OpenCellID
// compatible services.
type Universal struct {
	url    string
	key    string
	client *http.Client
}

func NewUniversal(url, key string) *Universal {
	return &Universal{url: url, key: key, client: &http.Client{Timeout: 10 * time.Second}}
}

func (u *Universal) Locate(mcc, mnc, lac, cid int) (float64, float64, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"token": u.key,
		"mcc":   mcc,
		"mnc":   mnc,
		"cells": []map[string]int{{"lac": lac, "cid": cid}},
	})
	if err != nil {
		return 0, 0, err
	}
	res, err := u.client.Post(u.url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return 0, 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("location provider returned %s", res.Status)
	}
	var body struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	err = json.NewDecoder(res.Body).Decode(&body)
	if err != nil {
		return 0, 0, err
	}
	return body.Lat, body.Lon, nil
}

// Stage substitutes a cell-derived location for fixes without GPS validity.
// Runs after hemisphere/distance correction and before persistence.
type Stage struct {
	provider Provider
	logger   zerolog.Logger
}

func NewStage(p Provider) *Stage {
	return &Stage{provider: p, logger: log.With().Str("module", "location").Logger()}
}

func (s *Stage) Name() string { return "location" }

func intAttr(p *model.Position, key string) (int, bool) {
	switch v := p.Attributes[key].(type) {
	case int:
		return v, true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (s *Stage) Process(p *model.Position) *model.Position {
	if p.Valid {
		return p
	}
	mcc, ok1 := intAttr(p, model.KeyMCC)
	mnc, ok2 := intAttr(p, model.KeyMNC)
	lac, ok3 := intAttr(p, model.KeyLAC)
	cid, ok4 := intAttr(p, model.KeyCID)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return p
	}
	lat, lon, err := s.provider.Locate(mcc, mnc, lac, cid)
	if err != nil {
		s.logger.Err(err).Uint64("device_id", p.DeviceID).Msg("cell lookup failed")
		return p
	}
	p.Latitude = lat
	p.Longitude = lon
	return p
}
