package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
)

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": message,
	})
}

// engineError writes err with the status its engine type maps to.
func engineError(w http.ResponseWriter, err error) {
	jsonResponse(w, statusFor(err), errorBody(err))
}

func errorBody(err error) map[string]interface{} {
	body := map[string]interface{}{"error": err.Error(), "code": statusFor(err)}
	var e *engine.Error
	if errors.As(err, &e) {
		body["type"] = e.Type.String()
		body["retryable"] = e.Retryable
		if e.Type == engine.ErrTypeProtocolReject {
			body["hub_status"] = e.Code.String()
		}
	}
	return body
}

func statusFor(err error) int {
	switch {
	case engine.IsValidationError(err):
		return http.StatusBadRequest
	case engine.IsBusy(err), engine.IsCanceled(err):
		return http.StatusConflict
	case engine.IsReject(err), engine.IsPartialFailure(err):
		return http.StatusBadGateway
	case engine.IsClosed(err), engine.IsTransportError(err), engine.IsFrameCorrupt(err):
		return http.StatusServiceUnavailable
	case engine.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// Device is the JSON form of a registry record.
type Device struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	No       uint8  `json:"no"`
	Type     string `json:"type"`
	Firmware string `json:"firmware"`
	MAC      string `json:"mac"`
	Serial   string `json:"serial"`
}

func deviceJSON(r protocol.Record) Device {
	return Device{
		ID:       r.ID.String(),
		Category: r.ID.Category.String(),
		No:       r.ID.No,
		Type:     r.Type.String(),
		Firmware: r.VersionString(),
		MAC:      r.MACHex(),
		Serial:   r.SerialHex(),
	}
}

func devicesJSON(recs []protocol.Record) []Device {
	out := make([]Device, len(recs))
	for i, r := range recs {
		out[i] = deviceJSON(r)
	}
	return out
}

// MemberFailure is a batch member that did not succeed.
type MemberFailure struct {
	Device string `json:"device"`
	Error  string `json:"error"`
}

// BatchResult is the JSON form of a batch outcome.
type BatchResult struct {
	Op        string          `json:"op"`
	State     string          `json:"state"`
	Succeeded []string        `json:"succeeded"`
	Failed    []MemberFailure `json:"failed"`
	Canceled  []string        `json:"canceled"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
}

func batchJSON(r engine.Result) BatchResult {
	out := BatchResult{
		Op:        r.Op.String(),
		State:     r.State.String(),
		Succeeded: ids(r.Succeeded),
		Failed:    make([]MemberFailure, len(r.Failed)),
		Canceled:  ids(r.Canceled),
		Attempts:  r.Attempts,
	}
	for i, f := range r.Failed {
		out.Failed[i] = MemberFailure{Device: f.Device.String()}
		if f.Err != nil {
			out.Failed[i].Error = f.Err.Error()
		}
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func ids(in []protocol.DeviceID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = id.String()
	}
	return out
}

func parseIDs(in []string) ([]protocol.DeviceID, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("devices must not be empty")
	}
	out := make([]protocol.DeviceID, len(in))
	for i, s := range in {
		id, err := protocol.ParseDeviceID(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
