package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/config"
	"github.com/callbridge/pbx-bridge-go/internal/service"
)

var timeNow = time.Now

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// ConnectionState reports whether the call-control source is connected.
type ConnectionState interface {
	Connected() bool
}

type StatusSources struct {
	Correlator     *service.Correlator
	Reconciler     *service.Reconciler
	Clients        ClientCounter
	CallControl    ConnectionState
	RecordStore    string
	MaxConnections int
}

type ClientCounter interface {
	Count() int
	IdentifiedCount() int
}

type StatusHandler struct {
	checks    map[string]HealthCheck
	sources   StatusSources
	startedAt time.Time
}

func NewStatusHandler(checks map[string]HealthCheck, sources StatusSources) *StatusHandler {
	return &StatusHandler{
		checks:    checks,
		sources:   sources,
		startedAt: timeNow(),
	}
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.PingTimeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			deps[name] = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       state,
		"dependencies": deps,
		"timestamp":    timeNow().UnixMilli(),
	})
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	s := h.sources

	callControl := map[string]any{"enabled": s.CallControl != nil, "connected": false}
	if s.CallControl != nil {
		callControl["connected"] = s.CallControl.Connected()
	}

	resp := map[string]any{
		"uptimeSeconds": int(timeNow().Sub(h.startedAt).Seconds()),
		"callControl":   callControl,
		"realtime": map[string]any{
			"clients":        s.Clients.Count(),
			"identified":     s.Clients.IdentifiedCount(),
			"maxConnections": s.MaxConnections,
		},
		"correlator": s.Correlator.Stats(),
		"recordStore": map[string]any{
			"kind":                    s.RecordStore,
			"extendedFieldsAvailable": s.Reconciler.ExtendedFieldsAvailable(),
		},
		"timestamp": timeNow().UnixMilli(),
	}

	writeJSON(w, http.StatusOK, resp)
}
