package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"viewingflow/engine"
	"viewingflow/logging"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindStatus = map[engine.Kind]int{
	engine.KindValidation: http.StatusBadRequest,
	engine.KindConflict:   http.StatusConflict,
	engine.KindResource:   http.StatusUnprocessableEntity,
	engine.KindExternal:   http.StatusBadGateway,
	engine.KindNotFound:   http.StatusNotFound,
	engine.KindForbidden:  http.StatusForbidden,
	engine.KindInternal:   http.StatusInternalServerError,
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps an engine error onto its status. Internal errors are logged
// and never echoed to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	if kind == engine.KindInternal {
		logging.L(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: string(engine.KindValidation)})
}

func forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorResponse{Error: "not a participant", Kind: string(engine.KindForbidden)})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}
