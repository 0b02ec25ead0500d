package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsbroker/internal/admission"
	"github.com/adred-codev/wsbroker/internal/broker"
	"github.com/adred-codev/wsbroker/internal/datalog"
	"github.com/adred-codev/wsbroker/internal/metrics"
	"github.com/adred-codev/wsbroker/internal/ratelimit"
)

// HandlerConfig bundles everything the upgrade handler needs to wire a
// freshly accepted connection into a live Endpoint.
type HandlerConfig struct {
	Broker          *broker.Broker
	Store           *datalog.Store
	Limiter         *ratelimit.Limiter
	Guard           *admission.Guard
	Metrics         *metrics.Collector
	SendBufferSize  int
	Logger          zerolog.Logger
}

// NewUpgradeHandler returns the HTTP handler for the sole endpoint the
// core requires: GET /ws/{sessionId}, where sessionId is the
// connecting client's textual UUID ClientId.
func NewUpgradeHandler(ctx context.Context, cfg HandlerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := parseSessionID(r.URL.Path)
		if !ok {
			http.Error(w, "invalid or missing sessionId", http.StatusBadRequest)
			return
		}

		if cfg.Guard != nil {
			if accept, reason := cfg.Guard.ShouldAccept(); !accept {
				cfg.Logger.Debug().Str("reason", reason).Msg("rejecting connection: admission guard")
				http.Error(w, "server overloaded", http.StatusServiceUnavailable)
				return
			}
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			cfg.Logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		if cfg.Metrics != nil {
			cfg.Metrics.ConnectionsTotal.Inc()
		}

		endpoint := New(clientID, conn, cfg.Broker, cfg.Store, cfg.Limiter, cfg.SendBufferSize, cfg.Logger)
		endpoint.SetMetrics(cfg.Metrics)
		go endpoint.Serve(ctx)
	}
}

// parseSessionID extracts the trailing path segment of /ws/{sessionId}
// and parses it as a UUID.
func parseSessionID(path string) (uuid.UUID, bool) {
	trimmed := strings.TrimPrefix(path, "/ws/")
	if trimmed == path || trimmed == "" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
