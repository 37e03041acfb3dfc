// Copyright 2025 SocialGuard
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway exposes the policy engine over HTTP: authorization
// checks, approval resolution, cache invalidation, and observability
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"socialguard/platform/engine"
	"socialguard/platform/shared/logger"
	"socialguard/platform/telemetry"
)

// MaxBatchSize bounds one batch authorization request.
const MaxBatchSize = 100

// ApprovalResolver resolves pending approval requests. The approval gate
// implements it; nil disables the resolution endpoint.
type ApprovalResolver interface {
	Resolve(ctx context.Context, requestID string, approved bool, reviewerID, comment string) error
}

// Server is the HTTP front for the policy engine.
type Server struct {
	engine    *engine.PolicyEngine
	approvals ApprovalResolver
	jwtSecret []byte
	log       *logger.Logger
	version   string
}

// New creates a gateway server. approvals may be nil.
func New(e *engine.PolicyEngine, approvals ApprovalResolver, jwtSecret []byte) *Server {
	return &Server{
		engine:    e,
		approvals: approvals,
		jwtSecret: jwtSecret,
		log:       logger.New("gateway"),
		version:   "1.0.0",
	}
}

// Handler builds the full route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/authorize", s.handleAuthorize).Methods("POST")
	api.HandleFunc("/authorize/batch", s.handleAuthorizeBatch).Methods("POST")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/cache/invalidate", s.handleInvalidateCache).Methods("POST")
	api.HandleFunc("/approvals/{id}/resolve", s.handleResolveApproval).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// AuthorizeRequest is the single-check request body.
type AuthorizeRequest struct {
	ClientID  string                 `json:"client_id,omitempty"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Platform  string                 `json:"platform,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	EpisodeID string                 `json:"episode_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// BatchAuthorizeRequest is the batch-check request body.
type BatchAuthorizeRequest struct {
	Requests []AuthorizeRequest `json:"requests"`
}

// ResolveApprovalRequest is the approval resolution body.
type ResolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// claimsKey carries the verified token claims through the request context.
type claimsKey struct{}

func contextWithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// claimString reads a string claim from the request's verified token.
func claimString(r *http.Request, key string) string {
	claims, ok := r.Context().Value(claimsKey{}).(jwt.MapClaims)
	if !ok {
		return ""
	}
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// authMiddleware verifies the bearer token and stashes its claims.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.validateToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken parses the Authorization header's bearer token.
func (s *Server) validateToken(r *http.Request) (jwt.MapClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.New("authorization header required")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return nil, errors.New("bearer token required")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// handleAuthorize runs one policy evaluation.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ec := s.toContext(r, req)
	decision, err := s.engine.Evaluate(r.Context(), ec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// handleAuthorizeBatch runs up to MaxBatchSize evaluations concurrently.
func (s *Server) handleAuthorizeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Requests) == 0 {
		s.writeError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(req.Requests) > MaxBatchSize {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds limit of %d", MaxBatchSize))
		return
	}

	ecs := make([]*engine.EvaluationContext, len(req.Requests))
	for i, item := range req.Requests {
		ecs[i] = s.toContext(r, item)
	}

	decisions, err := s.engine.EvaluateBatch(r.Context(), ecs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
	})
}

// handleMetrics returns the engine's metrics snapshot and refreshes the
// Prometheus cache gauges on the way out.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Metrics()
	telemetry.UpdateCacheStats(snap)
	s.writeJSON(w, http.StatusOK, snap)
}

// handleInvalidateCache drops a tenant's cached policies.
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = claimString(r, "client_id")
	}
	if clientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	s.engine.InvalidateCache(r.Context(), clientID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "client_id": clientID})
}

// handleResolveApproval records a reviewer verdict.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		s.writeError(w, http.StatusNotImplemented, "approval resolution is not configured")
		return
	}

	requestID := mux.Vars(r)["id"]
	var req ResolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reviewer := claimString(r, "email")
	if reviewer == "" {
		reviewer = claimString(r, "sub")
	}

	if err := s.approvals.Resolve(r.Context(), requestID, req.Approved, reviewer, req.Comment); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	status := "denied"
	if req.Approved {
		status = "approved"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status, "approval_request_id": requestID})
}

// handleHealth is unauthenticated so load balancers can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "socialguard-policyd",
		"timestamp": time.Now().UTC(),
		"version":   s.version,
	})
}

// toContext builds the evaluation context, defaulting the tenant from the
// token when the body omits it.
func (s *Server) toContext(r *http.Request, req AuthorizeRequest) *engine.EvaluationContext {
	clientID := req.ClientID
	if clientID == "" {
		clientID = claimString(r, "client_id")
	}
	return &engine.EvaluationContext{
		ClientID:  clientID,
		Action:    req.Action,
		Resource:  req.Resource,
		AgentID:   req.AgentID,
		Platform:  req.Platform,
		Fields:    req.Fields,
		EpisodeID: req.EpisodeID,
		RequestID: req.RequestID,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("", "", "failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
