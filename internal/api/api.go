// Package api exposes the operational HTTP surface: command dispatch and
// read-only device/position snapshots.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
)

type Api struct {
	r        chi.Router
	s        *http.Server
	reg      *registry.Registry
	validate *validator.Validate
	log      zerolog.Logger
}

type commandRequest struct {
	DeviceID   uint64                 `json:"deviceId" validate:"required"`
	Type       string                 `json:"type" validate:"required"`
	Attributes map[string]interface{} `json:"attributes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewApi(addr string, reg *registry.Registry) *Api {
	api := &Api{reg: reg, validate: validator.New()}
	api.log = log.With().Str("module", "api").Logger()
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Post("/devices/{id}/command", api.sendCommand)
	r.Get("/devices/{id}", api.getDevice)
	r.Get("/devices/{id}/position", api.getPosition)

	api.r = r
	api.s = &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Run() {
	err := api.s.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		api.log.Err(err).Msg("api server stopped")
	}
}

// sendCommand dispatches a command to a connected device. The two failure
// modes the caller can act on get distinct statuses: 503 when the device has
// no live connection, 400 when its protocol cannot express the command.
func (api *Api) sendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad device id"})
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request body"})
		return
	}
	req.DeviceID = deviceID
	if err := api.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	cmd := &model.Command{DeviceID: req.DeviceID, Type: req.Type, Attributes: req.Attributes}
	err = api.reg.SendCommand(cmd)
	var unsupported *registry.ErrUnsupportedCommand
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, registry.ErrDeviceNotConnected):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "device not connected"})
	case errors.As(err, &unsupported):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		api.log.Err(err).Uint64("device_id", deviceID).Str("type", req.Type).Msg("command dispatch failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "dispatch failed"})
	}
}

func (api *Api) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad device id"})
		return
	}
	dev, ok := api.reg.Device(deviceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not tracked"})
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (api *Api) getPosition(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad device id"})
		return
	}
	p := api.reg.LastPosition(deviceID)
	if p == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no position known"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
