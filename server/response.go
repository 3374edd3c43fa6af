package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/INLOpen/nexuslake/core"
)

// statusResponse is the JSON envelope for plain success and error replies.
type statusResponse struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

// runStatusResponse reports whether a tablet is currently compacting and
// which kind holds the lane.
type runStatusResponse struct {
	Status      string        `json:"status"`
	RunStatus   bool          `json:"run_status"`
	Msg         string        `json:"msg"`
	TabletID    core.TabletID `json:"tablet_id"`
	CompactType string        `json:"compact_type"`
}

// respondJSON writes a JSON response with the given status code and data.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure here means the client is gone; nothing to report.
	_ = json.NewEncoder(w).Encode(data)
}

// respondError classifies err into an HTTP status code and writes the
// standard envelope.
func respondError(w http.ResponseWriter, err error) {
	code := errorStatusCode(err)
	respondJSON(w, code, statusResponse{Status: http.StatusText(code), Msg: err.Error()})
}

func respondRunSuccess(w http.ResponseWriter, tableID core.TableID, tabletID core.TabletID) {
	respondJSON(w, http.StatusOK, statusResponse{
		Status: "Success",
		Msg:    fmt.Sprintf("compaction task is successfully triggered. Table id: %d. Tablet id: %d", tableID, tabletID),
	})
}

func errorStatusCode(err error) int {
	switch {
	case core.IsValidationError(err):
		return http.StatusBadRequest
	case core.IsUnsupportedError(err):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTabletNotFound), errors.Is(err, core.ErrNoSuitableVersion):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, core.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
