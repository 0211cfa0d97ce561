package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/truongvando/ezstream-sub005/pkg/health"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/provision"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/scheduler"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// maxTelemetryBody bounds a telemetry request body
const maxTelemetryBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

// NodeView is a node as the API shows it: credentials removed, agent
// health added
type NodeView struct {
	types.Node
	Health health.Level `json:"health"`
}

type startResponse struct {
	Decision scheduler.Decision `json:"decision"`
	Stream   *types.Stream      `json:"stream,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// statusOf maps domain errors to HTTP codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrRecentlyStarted),
		errors.Is(err, provision.ErrBusy),
		errors.Is(err, scheduler.ErrNoNode):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrNotDelivered):
		return http.StatusBadGateway
	case errors.Is(err, reconciler.ErrAgentOffline):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store == nil {
		unavailable(w, "store")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	st, err := s.svc.Store.GetStream(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// startStream starts a stream on ?node=N or on the node the scheduler picks
func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	var nodeID int64
	if v := r.URL.Query().Get("node"); v != "" {
		if nodeID, err = strconv.ParseInt(v, 10, 64); err != nil || nodeID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid node id")
			return
		}
	}

	d, err := s.svc.Scheduler.StartNow(r.Context(), id, nodeID, "started via api")
	if err != nil {
		writeJSON(w, statusOf(err), struct {
			errorResponse
			Decision scheduler.Decision `json:"decision"`
		}{errorResponse{err.Error()}, d})
		return
	}

	resp := startResponse{Decision: d}
	if s.svc.Store != nil {
		resp.Stream, _ = s.svc.Store.GetStream(r.Context(), id)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Machine == nil {
		unavailable(w, "lifecycle")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	st, err := s.svc.Machine.RequestStop(r.Context(), id, "stopped via api", lifecycle.StopOptions{})
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store == nil {
		unavailable(w, "store")
		return
	}
	nodes, err := s.svc.Store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		v := NodeView{Node: *n}
		v.Credentials = types.Credentials{User: n.Credentials.User}
		if s.svc.Machine != nil {
			v.Health = health.Classify(n.LastHeartbeat, s.svc.Machine.Now(), s.svc.Machine.Thresholds())
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// reconcileNode reconciles one node; ?fresh=true asks the agent for a new
// heartbeat first
func (s *Server) reconcileNode(w http.ResponseWriter, r *http.Request) {
	if s.svc.Reconciler == nil {
		unavailable(w, "reconciler")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))

	var res *reconciler.Result
	if fresh {
		res, err = s.svc.Reconciler.ReconcileFresh(r.Context(), id)
	} else {
		res, err = s.svc.Reconciler.Reconcile(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) provisionNode(w http.ResponseWriter, r *http.Request) {
	if s.svc.Provisioner == nil {
		unavailable(w, "provisioner")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	if err := s.svc.Provisioner.Provision(r.Context(), id); err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		writeError(w, code, err.Error())
		return
	}
	var node *types.Node
	if s.svc.Store != nil {
		node, _ = s.svc.Store.GetNode(r.Context(), id)
	}
	if node != nil {
		node.Credentials = types.Credentials{User: node.Credentials.User}
	}
	writeJSON(w, http.StatusOK, node)
}

// sweep runs a health sweep; ?fix=true applies the fixes
func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if s.svc.Monitor == nil {
		unavailable(w, "health monitor")
		return
	}
	fix, _ := strconv.ParseBool(r.URL.Query().Get("fix"))
	report, err := s.svc.Monitor.Sweep(r.Context(), health.SweepOptions{AutoFix: fix})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) recomputeCounters(w http.ResponseWriter, r *http.Request) {
	if s.svc.Reconciler == nil {
		unavailable(w, "reconciler")
		return
	}
	corrections, err := s.svc.Reconciler.RecomputeCounters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if corrections == nil {
		corrections = []reconciler.Correction{}
	}
	writeJSON(w, http.StatusOK, corrections)
}

// ingestTelemetry is the webhook agents post resource samples to
func (s *Server) ingestTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ingestor == nil {
		unavailable(w, "telemetry")
		return
	}
	var sample types.TelemetrySample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTelemetryBody)).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid telemetry payload: "+err.Error())
		return
	}

	node, err := s.svc.Ingestor.Ingest(r.Context(), sample)
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"vps_id":           node.ID,
		"capacity_ceiling": node.CapacityCeiling,
	})
}
