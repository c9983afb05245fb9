// Package server is the HTTP front end: a JSON API over the job controller
// plus a server-sent-events stream of progress updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"go-channel-download/internal/broadcast"
	"go-channel-download/internal/jobs"
	"go-channel-download/internal/models"
	"go-channel-download/internal/store"
)

// Server wires the controller and broadcaster behind an http.Server.
type Server struct {
	httpServer *http.Server
	controller *jobs.Controller
	events     *broadcast.Broadcaster
}

// New builds the router and the underlying http.Server. WriteTimeout stays
// unset because the events endpoint holds its response open indefinitely.
func New(addr string, controller *jobs.Controller, events *broadcast.Broadcaster) *Server {
	s := &Server{
		controller: controller,
		events:     events,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)

	router.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleStartJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Delete("/jobs/{jobID}", s.handleCancelJob)
		r.Post("/jobs/{jobID}/pause", s.handlePauseJob)
		r.Post("/jobs/{jobID}/resume", s.handleResumeJob)
		r.Get("/jobs/{jobID}/files", s.handleListFiles)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)
	})

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Run serves until SIGINT/SIGTERM or a listen error, then shuts the HTTP
// server down gracefully. Stopping the controller is the caller's job; it
// happens after Run returns so in-flight requests see a live controller.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infof("Received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("Handled request")
	})
}

type startJobRequest struct {
	Channel   string   `json:"channel"`
	FileTypes []string `json:"fileTypes,omitempty"`
	// MaxFiles omitted means uncapped; an explicit zero is honoured and
	// discovers nothing.
	MaxFiles *int   `json:"maxFiles,omitempty"`
	Session  string `json:"session,omitempty"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	maxFiles := models.MaxFilesUnlimited
	if req.MaxFiles != nil {
		maxFiles = *req.MaxFiles
	}

	jobID, err := s.controller.Start(jobs.StartRequest{
		Channel:   req.Channel,
		FileTypes: req.FileTypes,
		MaxFiles:  maxFiles,
		Session:   req.Session,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.controller.AllStatuses()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.controller.Status(jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	files, err := s.controller.FilesOf(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	history, err := s.controller.History(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// control wraps the pause/resume/cancel handlers: resolve the job, apply the
// controller operation, return the fresh job state.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.controller.Status(jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := op(jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, err := s.controller.Status(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.controller.Pause)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.controller.Resume)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.controller.Cancel)
}

// handleEvents streams progress events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.WithError(err).Error("Could not marshal progress event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
