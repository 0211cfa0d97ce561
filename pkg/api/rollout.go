package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/deploy"
)

// rolloutRequest is the body of POST /nodes/rollout. Delay is a Go
// duration string such as "30s".
type rolloutRequest struct {
	Parallelism     int     `json:"parallelism" validate:"gte=0,lte=64"`
	Delay           string  `json:"delay,omitempty"`
	Nodes           []int64 `json:"nodes,omitempty" validate:"dive,gt=0"`
	TargetVersion   string  `json:"target_version,omitempty"`
	Force           bool    `json:"force,omitempty"`
	ContinueOnError bool    `json:"continue_on_error,omitempty"`
}

type rolloutResponse struct {
	*deploy.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) rollout(w http.ResponseWriter, r *http.Request) {
	if s.svc.Deployer == nil {
		unavailable(w, "deployer")
		return
	}

	var req rolloutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxApplyBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationError(err))
		return
	}

	opts := deploy.Options{
		Parallelism:     req.Parallelism,
		Nodes:           req.Nodes,
		TargetVersion:   req.TargetVersion,
		Force:           req.Force,
		ContinueOnError: req.ContinueOnError,
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid delay "+req.Delay)
			return
		}
		opts.Delay = d
	}

	res, err := s.svc.Deployer.RollingUpdate(r.Context(), opts)
	switch {
	case errors.Is(err, deploy.ErrNothingToUpdate):
		writeJSON(w, http.StatusOK, rolloutResponse{Result: res})
	case err != nil && res == nil:
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, rolloutResponse{Result: res, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, rolloutResponse{Result: res})
	}
}

func (s *Server) rolloutStatus(w http.ResponseWriter, r *http.Request) {
	if s.svc.Deployer == nil {
		unavailable(w, "deployer")
		return
	}
	status, err := s.svc.Deployer.Status(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
