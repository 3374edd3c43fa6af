package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/INLOpen/nexuslake/auth"
	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/engine"
)

// CompactionHandlers serves the compaction control-plane API.
type CompactionHandlers struct {
	engine engine.CompactionEngineInterface
	logger *slog.Logger
}

// NewCompactionHandlers creates the handler set for one engine.
func NewCompactionHandlers(eng engine.CompactionEngineInterface, logger *slog.Logger) *CompactionHandlers {
	return &CompactionHandlers{
		engine: eng,
		logger: logger.With("component", "CompactionHandlers"),
	}
}

// Register wires the compaction routes onto the router. Triggering a
// compaction mutates tablet state and requires the writer role; the status
// probes and the replica feed are reader-level.
func (h *CompactionHandlers) Register(router *mux.Router, authn core.IAuthenticator) {
	router.Handle("/api/compaction/show", authn.Middleware(auth.RoleReader, http.HandlerFunc(h.handleShow))).Methods(http.MethodGet)
	router.Handle("/api/compaction/run", authn.Middleware(auth.RoleWriter, http.HandlerFunc(h.handleRun))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/api/compaction/run_status", authn.Middleware(auth.RoleReader, http.HandlerFunc(h.handleRunStatus))).Methods(http.MethodGet)
	router.Handle(compaction.PeerRowsetPath, authn.Middleware(auth.RoleReader, http.HandlerFunc(h.handlePeerRowset))).Methods(http.MethodGet)
}

// checkTargetParams parses the mutually exclusive tablet_id/table_id pair.
// Exactly one of them must be set.
func checkTargetParams(r *http.Request) (core.TabletID, core.TableID, error) {
	reqTabletID := r.FormValue("tablet_id")
	reqTableID := r.FormValue("table_id")
	if reqTabletID == "" {
		if reqTableID == "" {
			return 0, 0, &core.ValidationError{Message: "tablet id and table id can not be empty at the same time!"}
		}
		tableID, err := strconv.ParseUint(reqTableID, 10, 64)
		if err != nil {
			return 0, 0, &core.ValidationError{Field: "table_id", Value: reqTableID, Message: "must be an unsigned integer"}
		}
		return 0, core.TableID(tableID), nil
	}
	if reqTableID != "" {
		return 0, 0, &core.ValidationError{Message: "tablet id and table id can not be set at the same time!"}
	}
	tabletID, err := strconv.ParseUint(reqTabletID, 10, 64)
	if err != nil {
		return 0, 0, &core.ValidationError{Field: "tablet_id", Value: reqTabletID, Message: "must be an unsigned integer"}
	}
	return core.TabletID(tabletID), 0, nil
}

// tabletIDParam parses an optional tablet_id parameter; missing means zero.
func tabletIDParam(r *http.Request) (core.TabletID, error) {
	v := r.FormValue("tablet_id")
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, &core.ValidationError{Field: "tablet_id", Value: v, Message: "must be an unsigned integer"}
	}
	return core.TabletID(id), nil
}

// handleShow returns the rowset and version summary of one tablet.
func (h *CompactionHandlers) handleShow(w http.ResponseWriter, r *http.Request) {
	tabletID, err := tabletIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if tabletID == 0 {
		respondError(w, &core.ValidationError{Message: "check param failed: missing tablet_id"})
		return
	}

	status, err := h.engine.TabletStatus(tabletID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleRun triggers a compaction on one tablet or on every tablet of a
// table. All parameter validation happens before any task is submitted.
func (h *CompactionHandlers) handleRun(w http.ResponseWriter, r *http.Request) {
	tabletID, tableID, err := checkTargetParams(r)
	if err != nil {
		respondError(w, err)
		return
	}

	kind, err := core.ParseCompactionKind(r.FormValue("compact_type"))
	if err != nil {
		respondError(w, err)
		return
	}

	fetchFromRemote := false
	switch remote := r.FormValue("remote"); remote {
	case "", "false":
	case "true":
		fetchFromRemote = true
	default:
		respondError(w, &core.UnsupportedTypeError{Message: fmt.Sprintf("The remote = '%s' is not supported", remote)})
		return
	}

	if tabletID == 0 {
		// Table path: fire one task per tablet, fully async. Zero matching
		// tablets is still a success with nothing submitted.
		handles, err := h.engine.SubmitTableCompaction(tableID, kind)
		if err != nil {
			respondError(w, err)
			return
		}
		h.logger.Info("Manual table compaction triggered.", "table_id", tableID, "compact_type", kind.String(), "tablets", len(handles))
		respondRunSuccess(w, tableID, 0)
		return
	}

	handle, err := h.engine.SubmitCompactionTask(tabletID, kind, fetchFromRemote)
	if err != nil {
		respondError(w, err)
		return
	}

	// Failures surface synchronously only within the wait window. A task
	// still running when the window closes is reported as triggered; its
	// final state is discoverable through run_status.
	if finished, taskErr := handle.WaitTimeout(h.engine.ManualWaitTimeout()); finished && taskErr != nil {
		if core.IsBenign(taskErr) {
			respondJSON(w, http.StatusOK, statusResponse{
				Status: "Success",
				Msg:    fmt.Sprintf("compaction task did not run: %v. Tablet id: %d", taskErr, tabletID),
			})
			return
		}
		respondError(w, taskErr)
		return
	} else if !finished {
		h.logger.Info("Manual compaction task is timeout for waiting.", "tablet_id", tabletID, "compact_type", kind.String())
	}

	h.logger.Info("Manual compaction task is successfully triggered.", "tablet_id", tabletID, "compact_type", kind.String())
	respondRunSuccess(w, 0, tabletID)
}

// handleRunStatus probes whether a tablet is compacting right now. Without a
// tablet_id it reports the engine-wide status instead.
func (h *CompactionHandlers) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	tabletID, err := tabletIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if tabletID == 0 {
		respondJSON(w, http.StatusOK, h.engine.OverallCompactionStatus())
		return
	}

	kind, running, err := h.engine.RunningKind(tabletID)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := runStatusResponse{
		Status:   "Success",
		TabletID: tabletID,
		Msg:      "compaction task for this tablet is not running",
	}
	if running {
		resp.RunStatus = true
		resp.Msg = "compaction task for this tablet is running"
		resp.CompactType = kind.String()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePeerRowset streams a compacted rowset to a replica peer running
// single-replica compaction.
func (h *CompactionHandlers) handlePeerRowset(w http.ResponseWriter, r *http.Request) {
	tabletID, err := tabletIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if tabletID == 0 {
		respondError(w, &core.ValidationError{Message: "check param failed: missing tablet_id"})
		return
	}
	first, err := strconv.ParseInt(r.FormValue("first"), 10, 64)
	if err != nil {
		respondError(w, &core.ValidationError{Field: "first", Value: r.FormValue("first"), Message: "must be an integer"})
		return
	}
	last, err := strconv.ParseInt(r.FormValue("last"), 10, 64)
	if err != nil {
		respondError(w, &core.ValidationError{Field: "last", Value: r.FormValue("last"), Message: "must be an integer"})
		return
	}

	rs, err := h.engine.PeerRowset(tabletID, first, last)
	if err != nil {
		respondError(w, err)
		return
	}
	defer rs.Unref()

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := compaction.EncodePeerRowset(w, rs); err != nil {
		// Headers are already on the wire; cutting the stream is the only
		// signal left for the peer.
		h.logger.Warn("Failed to stream rowset to peer.", "tablet_id", tabletID, "error", err)
	}
}
