// Package httpapi is a narrow HTTP/JSON binding onto the orchestrator,
// plus a websocket endpoint streaming task-lifecycle and research
// notifications. The HTTP/JSON surface itself is a Non-goal of the core;
// this package is a thin adapter, not new core logic.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fortitude/internal/metrics"
	"github.com/sawpanic/fortitude/internal/notify"
	"github.com/sawpanic/fortitude/internal/orchestrator"
	"github.com/sawpanic/fortitude/internal/research"
)

// Server binds the orchestrator onto HTTP handlers.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *metrics.Registry
	bus      *notify.Bus
	upgrader websocket.Upgrader
}

// New constructs the router. registry backs /health and /metrics; bus
// backs /ws/notifications.
func New(orch *orchestrator.Orchestrator, registry *metrics.Registry, bus *notify.Bus) http.Handler {
	s := &Server{
		orch:     orch,
		registry: registry,
		bus:      bus,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/research", s.handleResearch).Methods(http.MethodPost)
	r.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)
	r.HandleFunc("/ws/notifications", s.handleWebsocket)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.registry.HealthyProviders()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"healthy_providers": healthy,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.AllProviders())
}

type researchRequestBody struct {
	Query      string                       `json:"query"`
	Type       research.ResearchType        `json:"research_type"`
	Audience   research.AudienceContext     `json:"audience"`
	Domain     research.DomainContext       `json:"domain"`
	Confidence float64                      `json:"confidence"`
	Priority   int                          `json:"priority"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var body researchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Priority == 0 {
		body.Priority = 5
	}

	req := research.ClassifiedRequest{
		Query:      body.Query,
		Type:       body.Type,
		Audience:   body.Audience,
		Domain:     body.Domain,
		Confidence: body.Confidence,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	artifact, task, err := s.orch.Research(ctx, req, body.Priority)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]any{"cache_hit": true, "artifact": artifact})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cache_hit": false, "task_id": task.ID})
}

type feedbackRequestBody struct {
	ArtifactCacheKey string             `json:"artifact_cache_key"`
	UserID           string             `json:"user_id"`
	Score            *float64           `json:"score"`
	FreeText         string             `json:"free_text"`
	DimensionRatings map[string]float64 `json:"dimension_ratings"`
	Source           string             `json:"source"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rec := research.FeedbackRecord{
		ArtifactCacheKey: body.ArtifactCacheKey,
		UserID:           body.UserID,
		Score:            body.Score,
		FreeText:         body.FreeText,
		DimensionRatings: body.DimensionRatings,
		Source:           body.Source,
		Timestamp:        time.Now(),
	}

	if err := s.orch.SubmitFeedback(r.Context(), rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	for n := range sub {
		if err := conn.WriteJSON(n); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
