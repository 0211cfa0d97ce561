package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/metrics"
)

// readyHandler refreshes the store and bus components before answering, so
// readiness reflects the dependencies at request time
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	s.probeDependencies(ctx)
	metrics.ReadyHandler()(w, r)
}

func (s *Server) probeDependencies(ctx context.Context) {
	if s.svc.Store != nil {
		if err := s.svc.Store.Ping(ctx); err != nil {
			metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		} else {
			metrics.UpdateComponent(metrics.ComponentStore, true, "ok")
		}
	}

	if s.svc.Bus != nil {
		// Counting subscribers is a round trip to Redis
		n, err := s.svc.Bus.Subscribers(ctx, s.svc.Channels.Reports)
		if err != nil {
			metrics.UpdateComponent(metrics.ComponentBus, false, err.Error())
		} else {
			metrics.UpdateComponent(metrics.ComponentBus, true, fmt.Sprintf("%d report subscribers", n))
		}
	}
}
