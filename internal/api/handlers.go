package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     "rbfhub",
		"version":     version.Get(),
		"link":        s.opts.Link,
		"registered":  s.eng.Registry().Len(),
		"subscribers": s.events.count(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"engine":         s.eng.Stats(),
		"events_dropped": s.events.dropped.Load(),
	})
}

// Devices

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	recs := s.eng.Registry().Snapshot()
	if c := r.URL.Query().Get("category"); c != "" {
		cat, err := protocol.ParseCategory(c)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		recs = s.eng.Registry().ByCategory(cat)
	}
	jsonResponse(w, http.StatusOK, devicesJSON(recs))
}

func (s *Server) refreshDevices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.eng.RefreshRegistry(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, devicesJSON(recs))
}

// deviceParam parses the {cat}/{no} path parameters.
func deviceParam(r *http.Request) (protocol.DeviceID, error) {
	return protocol.ParseDeviceID(chi.URLParam(r, "cat") + ":" + chi.URLParam(r, "no"))
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := s.eng.Registry().Lookup(id)
	if !ok {
		errorResponse(w, http.StatusNotFound, fmt.Sprintf("device %s not registered", id))
		return
	}
	jsonResponse(w, http.StatusOK, deviceJSON(rec))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.eng.DeleteDevice(r.Context(), id); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, fmt.Sprintf("device %s deleted", id))
}

func (s *Server) deleteAllDevices(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		errorResponse(w, http.StatusBadRequest, "deleting every device requires ?confirm=true")
		return
	}
	if err := s.eng.DeleteAllDevices(r.Context()); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, "all devices deleted")
}

type switchRequest struct {
	Action string `json:"action"`
}

func (s *Server) switchDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var req switchRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := protocol.ParseSwitchAction(req.Action)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.eng.ControlSwitch(r.Context(), id, action); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, fmt.Sprintf("%s switched %s", id, req.Action))
}

type ledRequest struct {
	Mode     uint8 `json:"mode"`
	Duration uint8 `json:"duration"`
}

func (s *Server) ledIndicate(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ledRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.eng.SetLEDIndicate(r.Context(), id, protocol.LEDMode(req.Mode), protocol.LEDDuration(req.Duration))
	if err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, fmt.Sprintf("%s LED set", id))
}

// Registration

type registerRequest struct {
	Mode   string `json:"mode"` // local, mac or sn
	MAC    string `json:"mac,omitempty"`
	Serial string `json:"sn,omitempty"`
}

func (s *Server) startRegistration(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		mode protocol.RegisterMode
		mac  [8]byte
		sn   [16]byte
		err  error
	)
	switch strings.ToLower(req.Mode) {
	case "", "local":
		mode = protocol.RegisterLocal
	case "mac":
		mode = protocol.RegisterByMAC
		mac, err = protocol.ParseMAC(req.MAC)
	case "sn":
		mode = protocol.RegisterBySN
		sn, err = protocol.ParseSerial(req.Serial)
	default:
		err = fmt.Errorf("invalid mode %q (want local, mac or sn)", req.Mode)
	}
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.eng.StartRegistration(r.Context(), mode, mac, sn); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, "registration started")
}

func (s *Server) stopRegistration(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.StopRegistration(r.Context()); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, "registration stopped")
}

// Batches

type batchRequest struct {
	Devices []string `json:"devices"`
	Retry   uint8    `json:"retry,omitempty"`
}

func (s *Server) batchTargets(w http.ResponseWriter, r *http.Request) ([]protocol.DeviceID, uint8, bool) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return nil, 0, false
	}
	ids, err := parseIDs(req.Devices)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return nil, 0, false
	}
	return ids, req.Retry, true
}

// awaitBatch waits for call and writes the per-device outcome.
func (s *Server) awaitBatch(w http.ResponseWriter, r *http.Request, call *engine.Call, err error) {
	if err != nil {
		engineError(w, err)
		return
	}
	res, err := call.Wait(r.Context())
	if err != nil && !res.State.Terminal() {
		engineError(w, err)
		return
	}
	status := http.StatusOK
	if res.Err != nil {
		status = statusFor(res.Err)
	}
	jsonResponse(w, status, batchJSON(res))
}

func (s *Server) findMe(w http.ResponseWriter, r *http.Request) {
	ids, retry, ok := s.batchTargets(w, r)
	if !ok {
		return
	}
	call, err := s.eng.StartFindMe(r.Context(), retry, ids)
	s.awaitBatch(w, r, call, err)
}

func (s *Server) stopFindMe(w http.ResponseWriter, r *http.Request) {
	ids, _, ok := s.batchTargets(w, r)
	if !ok {
		return
	}
	if err := s.eng.StopFindMe(r.Context(), ids); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, "find-me stopped")
}

func (s *Server) rssi(w http.ResponseWriter, r *http.Request) {
	ids, _, ok := s.batchTargets(w, r)
	if !ok {
		return
	}
	call, err := s.eng.StartRSSI(r.Context(), ids)
	s.awaitBatch(w, r, call, err)
}

func (s *Server) stopRSSI(w http.ResponseWriter, r *http.Request) {
	ids, _, ok := s.batchTargets(w, r)
	if !ok {
		return
	}
	if err := s.eng.StopRSSI(r.Context(), ids); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, "rssi stopped")
}

type alarmRequest struct {
	State   string  `json:"state"` // arm, disarm or home
	Devices []uint8 `json:"devices"`
}

func (s *Server) setAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var state protocol.ArmState
	switch req.State {
	case "arm":
		state = protocol.Arm
	case "disarm":
		state = protocol.Disarm
	case "home":
		state = protocol.HomeArm
	default:
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid state %q (want arm, disarm or home)", req.State))
		return
	}
	if err := s.eng.SetIOAlarm(r.Context(), state, req.Devices); err != nil {
		engineError(w, err)
		return
	}
	successResponse(w, "alarm state "+req.State)
}

// Hub

func (s *Server) hubVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.HubVersion(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"version": v})
}

type panidBody struct {
	PANID uint32 `json:"panid"`
}

func (s *Server) getPANID(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.PANID(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, panidBody{PANID: p})
}

func (s *Server) setPANID(w http.ResponseWriter, r *http.Request) {
	var req *panidBody
	if err := decodeBody(r, &req); err != nil || req == nil {
		errorResponse(w, http.StatusBadRequest, "body must be {\"panid\": <uint32>}")
		return
	}
	if err := s.eng.SetPANID(r.Context(), req.PANID); err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, req)
}

func (s *Server) hubNoise(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.HubNoise(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int8{"average_dbm": n.Average, "current_dbm": n.Current})
}

func (s *Server) hubPower(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.HubVolRes(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]uint16{"voltage_mv": p.Voltage, "resistance_ohm": p.Resistance})
}

type frequencyRequest struct {
	Band string `json:"band"`
}

func (s *Server) setFrequency(w http.ResponseWriter, r *http.Request) {
	var req frequencyRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	band, err := protocol.ParseFrequencyBand(req.Band)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.eng.SetFrequency(r.Context(), band); err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"band": band.String()})
}

func (s *Server) otaStatus(w http.ResponseWriter, r *http.Request) {
	hub := s.eng.HubOTAStatus()
	body := map[string]interface{}{
		"hub":    hub,
		"subdev": s.eng.SubdevOTAStatus(),
	}
	if hub.Err != nil {
		body["hub_error"] = hub.Err.Error()
	}
	jsonResponse(w, http.StatusOK, body)
}
