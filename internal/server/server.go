// Package server exposes the cache over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/cache"
	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/refreshlock"
	"adsmetrics-proxy/internal/upstream"
)

// CredentialHeader carries the end user's upstream access token.
const CredentialHeader = "X-Upstream-Credential"

// Service is the cache API the handlers call.
type Service interface {
	GetEntities(ctx context.Context, req cache.Request) (cache.Result, error)
	Refresh(ctx context.Context, req cache.Request) (cache.Result, error)
	Invalidate(ctx context.Context, customerID string) error
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LockStats reports refresh lock usage.
type LockStats interface {
	Snapshot() refreshlock.Stats
}

type Options struct {
	// AuthKey protects /refresh and /invalidate. Empty disables both.
	AuthKey string
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	service Service
	store   Pinger
	locks   LockStats
	authKey string
	metrics http.Handler
	logger  *zap.Logger
}

func New(service Service, store Pinger, locks LockStats, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		store:   store,
		locks:   locks,
		authKey: opts.AuthKey,
		metrics: opts.Metrics,
		logger:  logger.Named("http"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/customers/{customerID}/entities", s.handleEntities).Methods(http.MethodGet)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.Use(s.logRequests)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(started)),
		)
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req, err := buildRequest(
		mux.Vars(r)["customerID"],
		query.Get("type"),
		query.Get("scope"),
		query.Get("start"),
		query.Get("end"),
		query.Get("manager"),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req.Credential = credentialFrom(r)

	res, err := s.service.GetEntities(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Meta.Source == cache.SourceCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	CustomerID string `json:"customerId"`
	Type       string `json:"type"`
	Scope      string `json:"scope"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Manager    string `json:"manager"`
}

// Refresh endpoint - forces a fetch for one key and rewrites its rows.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		s.unauthorized(w)
		return
	}
	var body refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeInvalidArgument, "invalid request body", err))
		return
	}
	req, err := buildRequest(body.CustomerID, body.Type, body.Scope, body.Start, body.End, body.Manager)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req.Credential = credentialFrom(r)

	s.logger.Info("refresh requested",
		zap.String("customer_id", req.CustomerID),
		zap.String("entity_type", string(req.EntityType)),
		zap.String("scope", req.Scope.String()),
		zap.String("range", req.Range.String()),
	)
	res, err := s.service.Refresh(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"entities": len(res.Entities),
		"meta":     res.Meta,
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		s.unauthorized(w)
		return
	}
	var body struct {
		CustomerID string `json:"customerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if err := s.service.Invalidate(r.Context(), body.CustomerID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]any{"status": "healthy"}
	if s.locks != nil {
		body["refresh"] = s.locks.Snapshot()
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			body["status"] = "unhealthy"
			body["error"] = "store unavailable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) authenticate(r *http.Request) bool {
	if s.authKey == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authKey)) == 1
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="adsmetrics-proxy"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "UNAUTHORIZED", Message: "missing or invalid admin key"}})
}

func credentialFrom(r *http.Request) upstream.Credential {
	return upstream.Credential{AccessToken: strings.TrimSpace(r.Header.Get(CredentialHeader))}
}

func buildRequest(customerID, entityType, scope, start, end, manager string) (cache.Request, error) {
	invalid := func(err error) error {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request", err)
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return cache.Request{}, apperr.New(apperr.CodeInvalidArgument, "customer id is required")
	}
	if strings.TrimSpace(entityType) == "" {
		entityType = string(model.EntityCampaign)
	}
	parsedType, err := model.ParseEntityType(entityType)
	if err != nil {
		return cache.Request{}, invalid(err)
	}
	parsedScope, err := model.ParseScope(scope)
	if err != nil {
		return cache.Request{}, invalid(err)
	}
	dates, err := model.ParseDateRange(start, end)
	if err != nil {
		return cache.Request{}, invalid(err)
	}
	return cache.Request{
		CustomerID: customerID,
		ManagerID:  strings.TrimSpace(manager),
		EntityType: parsedType,
		Scope:      parsedScope,
		Range:      dates,
	}, nil
}

type errorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := code.HTTPStatus()
	detail := errorDetail{Code: string(code), Message: "internal error"}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && (status < http.StatusInternalServerError || status == http.StatusBadGateway || status == http.StatusServiceUnavailable) {
		detail.Message = appErr.Message
		if code == apperr.CodeInvalidArgument && appErr.Cause != nil {
			detail.Message = appErr.Cause.Error()
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		detail.Code = "TIMEOUT"
		detail.Message = "request cancelled or timed out"
	}

	if retry := apperr.RetryAfterOf(err); retry > 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		seconds := int64((retry + time.Second - 1) / time.Second)
		detail.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
