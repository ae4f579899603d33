package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/raterudder/myenergi/pkg/log"
	"github.com/raterudder/myenergi/pkg/myenergi"
)

var targetTimeRe = regexp.MustCompile(`^([01][0-9]|2[0-3])[0-5][0-9]$`)

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.entities.Views())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	snapshots := []myenergi.Snapshot{}
	for _, kind := range []myenergi.DeviceKind{myenergi.KindCharger, myenergi.KindMonitor, myenergi.KindDiverter} {
		for _, d := range s.hub.Devices(kind) {
			snapshots = append(snapshots, d.Snapshot())
		}
	}
	writeJSON(w, snapshots)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	kind, err := myenergi.ParseDeviceKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	serial, err := strconv.ParseInt(chi.URLParam(r, "serial"), 10, 64)
	if err != nil {
		writeJSONError(w, "invalid serial", http.StatusBadRequest)
		return
	}
	d, ok := s.hub.Device(kind, serial)
	if !ok {
		writeJSONError(w, "device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, d.Snapshot())
}

func (s *Server) charger(w http.ResponseWriter, r *http.Request) (*myenergi.Charger, bool) {
	serial, err := strconv.ParseInt(chi.URLParam(r, "serial"), 10, 64)
	if err != nil {
		writeJSONError(w, "invalid serial", http.StatusBadRequest)
		return nil, false
	}
	c, ok := s.hub.Charger(serial)
	if !ok {
		writeJSONError(w, "charger not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

type setModeRequest struct {
	Mode       string `json:"mode"`
	Boost      string `json:"boost"`
	KWH        int    `json:"kwh"`
	TargetTime string `json:"targetTime"`
}

func (s *Server) handleSetChargerMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, ok := s.charger(w, r)
	if !ok {
		return
	}

	var req setModeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode := myenergi.ModeNoChange
	if req.Mode != "" {
		var err error
		if mode, err = myenergi.ParseMode(req.Mode); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	boost := myenergi.BoostNoChange
	if req.Boost != "" {
		var err error
		if boost, err = myenergi.ParseBoostMode(req.Boost); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.KWH < 0 {
		writeJSONError(w, "kwh must not be negative", http.StatusBadRequest)
		return
	}
	if req.TargetTime != "" && !targetTimeRe.MatchString(req.TargetTime) {
		writeJSONError(w, "targetTime must be HHMM", http.StatusBadRequest)
		return
	}

	res, err := c.SetMode(ctx, mode, boost, req.KWH, req.TargetTime)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleChargerBoosts(w http.ResponseWriter, r *http.Request) {
	c, ok := s.charger(w, r)
	if !ok {
		return
	}
	boosts, err := c.TimedBoosts(r.Context())
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, boosts)
}

func writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	log.Ctx(ctx).ErrorContext(ctx, "charger command failed", slog.String("path", r.URL.Path), slog.Any("error", err))

	var te *myenergi.TransportError
	switch {
	case errors.Is(err, myenergi.ErrHubGone):
		writeJSONError(w, "hub unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &te):
		writeJSONError(w, "myenergi api error", http.StatusBadGateway)
	default:
		writeJSONError(w, err.Error(), http.StatusConflict)
	}
}

func (s *Server) handlePollerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSONError(w, "poller not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, s.scheduler.Status())
}
