package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/protocol"
	"github.com/mattjoyce/switchyard/internal/registry"
)

// maxRequestBytes bounds a dispatch request body.
const maxRequestBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	table := s.registry.Current()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		AppsLoaded:    table.Len(),
		Fingerprint:   table.Fingerprint(),
		Busy:          len(s.slots),
	})
}

// handleDispatch handles POST /v1/dispatch. The HTTP status mirrors the
// dispatch status: 200 completed, 422 rejected, 502 degraded.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, timeout, err := protocol.DecodeRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	if s.config.MaxTimeout > 0 && (timeout == 0 || timeout > s.config.MaxTimeout) {
		timeout = s.config.MaxTimeout
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent dispatches")
		return
	}

	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := s.dispatcher.Dispatch(ctx, req.Command)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(res.Status))
	if err := protocol.EncodeResult(w, res.Wire()); err != nil {
		s.logger.Error("failed to encode dispatch result", "dispatch_id", res.DispatchID, "error", err)
	}
}

func statusCode(status dispatch.Status) int {
	switch status {
	case dispatch.StatusCompleted:
		return http.StatusOK
	case dispatch.StatusRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// handleListApps handles GET /v1/apps.
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, appsResponse(s.registry.Current()))
}

// handleGetApp handles GET /v1/apps/{app}.
func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	desc, err := s.registry.Current().Resolve(chi.URLParam(r, "app"))
	if err != nil {
		var unknown *registry.UnknownApplicationError
		if errors.As(err, &unknown) {
			respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Known: unknown.Known})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, appResponse(desc))
}

// handleRediscover handles POST /v1/apps/rediscover.
func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	table, err := s.registry.Rediscover(r.Context())
	if err != nil {
		s.logger.Error("rediscovery failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, appsResponse(table))
}

func appsResponse(table *registry.Table) AppsResponse {
	resp := AppsResponse{
		Apps:        make([]AppResponse, 0, table.Len()),
		Fingerprint: table.Fingerprint(),
		BuiltAt:     table.BuiltAt(),
	}
	for _, desc := range table.Descriptors() {
		resp.Apps = append(resp.Apps, appResponse(desc))
	}
	for _, warn := range table.Warnings() {
		resp.Warnings = append(resp.Warnings, AppWarning{
			Kind:       string(warn.Kind),
			Path:       warn.Path,
			Identifier: warn.Identifier,
			Message:    warn.Message,
		})
	}
	return resp
}

func appResponse(desc app.Descriptor) AppResponse {
	return AppResponse{
		Identifier:   desc.Identifier,
		Version:      desc.Version,
		Description:  desc.Description,
		Namespace:    desc.NamespaceKey(),
		Root:         desc.Root,
		OutputDir:    desc.OutputDir(),
		Dependencies: desc.Dependencies,
	}
}

// handleOpenAPI handles GET /v1/openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.registry.Current()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
