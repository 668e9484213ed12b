package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/policyhub/compiler"
	"github.com/liamcoop/policyhub/internal/config"
	"github.com/liamcoop/policyhub/internal/logger"
	"github.com/liamcoop/policyhub/internal/metrics"
	"github.com/liamcoop/policyhub/rules"
	"github.com/liamcoop/policyhub/sandbox"
)

// Error types in ErrorResponse.Error.
const (
	errCompilation = "compilation_error"
	errBadRequest  = "bad_request"
	errNotFound    = "not_found"
	errConflict    = "conflict"
	errUnavailable = "unavailable"
	errInternal    = "internal_error"
)

type Server struct {
	engine   *rules.Engine
	registry *rules.Registry
	metrics  *metrics.Collector
	cfg      *config.Config
	router   *chi.Mux
}

// NewServer builds the HTTP API over engine. collector may be nil, in which
// case no /metrics endpoint is mounted and requests are not measured.
func NewServer(engine *rules.Engine, collector *metrics.Collector, cfg *config.Config) *Server {
	s := &Server{
		engine:   engine,
		registry: engine.Registry(),
		metrics:  collector,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/execute", s.handleExecute)

		r.Route("/rule-templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplateNames)
			r.Get("/{id}", s.handleGetTemplate)
			r.Get("/name/{name}/versions", s.handleListTemplateVersions)
			r.Get("/name/{name}/versions/{version}", s.handleGetTemplateVersion)
			r.Get("/name/{name}/latest", s.handleResolveLatest)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", s.handleCreatePolicy)
			r.Get("/", s.handleListPolicies)
			r.Get("/{id}", s.handleGetPolicy)
			r.Delete("/{id}", s.handleDeletePolicy)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// observe logs each request at debug level and records it against the
// matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			if s.metrics != nil {
				s.metrics.ObserveRequest(r.Method, route, status, elapsed)
			}
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.registry.Ping(ctx); err != nil {
		logger.Warn("Health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if !s.decode(w, r, &req) {
		return
	}

	t, err := s.registry.CreateTemplate(r.Context(), req.Name, req.Source)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toTemplateResponse(t))
}

func (s *Server) handleListTemplateNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.ListTemplateNames(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, TemplateNamesResponse{Names: names})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTemplateResponse(t))
}

func (s *Server) handleListTemplateVersions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versions, err := s.registry.ListTemplateVersions(r.Context(), name)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := TemplateVersionsResponse{Name: name, Versions: make([]TemplateResponse, 0, len(versions))}
	for _, t := range versions {
		resp.Versions = append(resp.Versions, toTemplateResponse(t))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTemplateVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, r, &rules.ValidationError{Field: "version", Reason: "must be an integer"})
		return
	}
	t, err := s.registry.GetTemplateVersion(r.Context(), chi.URLParam(r, "name"), version)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTemplateResponse(t))
}

func (s *Server) handleResolveLatest(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.ResolveLatest(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTemplateResponse(t))
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !s.decode(w, r, &req) {
		return
	}

	p, err := s.registry.CreatePolicy(r.Context(), rules.PolicyInput{
		Name:                req.Name,
		RuleTemplateID:      req.RuleTemplateID,
		RuleTemplateVersion: req.RuleTemplateVersion,
		Metadata:            req.Metadata,
		Description:         req.Description,
		IsActive:            req.IsActive,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toPolicyResponse(p))
}

// handleListPolicies lists policies, narrowed by an optional CEL expression
// in the filter query parameter, e.g. filter=policy.metadata.tier == "gold".
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.registry.ListPolicies(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := PoliciesListResponse{Policies: make([]PolicyResponse, 0, len(policies))}
	for _, p := range policies {
		resp.Policies = append(resp.Policies, toPolicyResponse(p))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toPolicyResponse(p))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecute runs a policy. Failures inside rule code are reported in the
// result with status 200.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.engine.Execute(r.Context(), req.PolicyID, req.Facts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toExecutionResponse(res))
}

// decode reads a JSON body into dst, responding with 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		respondError(w, r, &rules.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

// respondError maps err onto a status code and error type.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classifyError(err)
	if status >= 500 {
		logger.ErrorHttp5xx()
		logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()))
	} else {
		logger.WarnHttp4xx()
		logger.Debug("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	respondJSON(w, status, resp)
}

func classifyError(err error) (int, ErrorResponse) {
	var ce *compiler.CompileError
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest, ErrorResponse{
			Error:   errCompilation,
			Message: ce.Reason,
			Line:    ce.Line,
			Column:  ce.Column,
		}
	case errors.Is(err, rules.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: errBadRequest, Message: err.Error()}
	case errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: errNotFound, Message: err.Error()}
	case errors.Is(err, rules.ErrAlreadyExists):
		return http.StatusConflict, ErrorResponse{Error: errConflict, Message: err.Error()}
	case errors.Is(err, sandbox.ErrPoolExhausted),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrorResponse{Error: errUnavailable, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: errInternal, Message: "internal server error"}
	}
}
