package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

const maxApplyBody = 1 << 20

var validate = validator.New()

// applyResult is the body of a PUT: the stored record and whether it is new
type applyResult struct {
	Created bool        `json:"created"`
	Record  interface{} `json:"record"`
}

func validationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store == nil {
		unavailable(w, "store")
		return
	}
	var statuses []types.StreamStatus
	for _, v := range r.URL.Query()["status"] {
		st := types.StreamStatus(strings.ToUpper(v))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		statuses = append(statuses, st)
	}

	var (
		streams []*types.Stream
		err     error
	)
	if len(statuses) > 0 {
		streams, err = s.svc.Store.ListStreamsByStatus(r.Context(), statuses...)
	} else {
		streams, err = s.svc.Store.ListStreams(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if streams == nil {
		streams = []*types.Stream{}
	}
	writeJSON(w, http.StatusOK, streams)
}

// putStream creates a stream or updates its configuration. Runtime fields
// in the body are ignored; status changes only go through the lifecycle.
func (s *Server) putStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store == nil {
		unavailable(w, "store")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	var in types.Stream
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxApplyBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream: "+err.Error())
		return
	}
	if err := validate.Struct(&in); err != nil {
		writeError(w, http.StatusBadRequest, validationError(err))
		return
	}
	if in.ScheduledStart != nil && in.ScheduledEnd != nil && !in.ScheduledEnd.After(*in.ScheduledStart) {
		writeError(w, http.StatusBadRequest, "scheduled_end must be after scheduled_start")
		return
	}

	var (
		out     *types.Stream
		created bool
	)
	err = s.svc.Store.Update(r.Context(), func(tx storage.Tx) error {
		st, err := tx.GetStream(id)
		if errors.Is(err, storage.ErrNotFound) {
			created = true
			st = &types.Stream{ID: id, Status: types.StreamStatusInactive}
		} else if err != nil {
			return err
		}
		st.Title = in.Title
		st.Sources = in.Sources
		st.RTMPURL = in.RTMPURL
		st.StreamKey = in.StreamKey
		st.ScheduledStart = in.ScheduledStart
		st.ScheduledEnd = in.ScheduledEnd
		st.Loop = in.Loop
		st.RequiredCapabilities = in.RequiredCapabilities
		out = st
		return tx.PutStream(st)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Int64("stream_id", id).Bool("created", created).Msg("Stream configuration applied")
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, applyResult{Created: created, Record: out})
}

// putNode registers a node or updates its connection details. New nodes
// start PENDING until provisioned.
func (s *Server) putNode(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store == nil {
		unavailable(w, "store")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var in types.NodeSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxApplyBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid node: "+err.Error())
		return
	}
	if err := validate.Struct(&in); err != nil {
		writeError(w, http.StatusBadRequest, validationError(err))
		return
	}
	if in.SSHPort == 0 {
		in.SSHPort = 22
	}

	var (
		out     *types.Node
		created bool
	)
	err = s.svc.Store.Update(r.Context(), func(tx storage.Tx) error {
		node, err := tx.GetNode(id)
		if errors.Is(err, storage.ErrNotFound) {
			created = true
			node = &types.Node{ID: id, Status: types.NodeStatusPending, CapacityCeiling: s.svc.InitialCeiling}
		} else if err != nil {
			return err
		}
		node.Name = in.Name
		node.Address = in.Address
		node.SSHPort = in.SSHPort
		node.Capabilities = in.Capabilities
		// Empty secrets keep the stored ones so manifests need not carry them
		if in.Credentials.User != "" {
			node.Credentials.User = in.Credentials.User
		}
		if in.Credentials.Password != "" {
			node.Credentials.Password = in.Credentials.Password
		}
		if in.Credentials.PrivateKey != "" {
			node.Credentials.PrivateKey = in.Credentials.PrivateKey
		}
		out = node.Clone()
		return tx.PutNode(node)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Int64("node_id", id).Bool("created", created).Msg("Node applied")
	out.Credentials = types.Credentials{User: out.Credentials.User}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, applyResult{Created: created, Record: out})
}

func (s *Server) reconcileAll(w http.ResponseWriter, r *http.Request) {
	if s.svc.Reconciler == nil {
		unavailable(w, "reconciler")
		return
	}
	results, err := s.svc.Reconciler.ReconcileAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []*reconciler.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// retryProvisioning re-runs provisioning for every FAILED node
func (s *Server) retryProvisioning(w http.ResponseWriter, r *http.Request) {
	if s.svc.Provisioner == nil {
		unavailable(w, "provisioner")
		return
	}
	ids, err := s.svc.Provisioner.RetryFailed(r.Context())
	resp := struct {
		Provisioned []int64 `json:"provisioned"`
		Error       string  `json:"error,omitempty"`
	}{Provisioned: ids}
	if resp.Provisioned == nil {
		resp.Provisioned = []int64{}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
