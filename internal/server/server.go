// Package server exposes the job manager over HTTP and streams job events over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Lllllllleong/pdfsplitter/internal/history"
	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/Lllllllleong/pdfsplitter/internal/services"
	"github.com/Lllllllleong/pdfsplitter/internal/splitter"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const (
	codeValidation = "VALIDATION_ERROR"
	codeNotFound   = "NOT_FOUND"
	codeConflict   = "CONFLICT"
	codeInternal   = "INTERNAL_ERROR"
)

// Server wires HTTP handlers to a JobManager and a history store.
type Server struct {
	jobs     *services.JobManager
	store    history.Store
	hub      *Hub
	defaults models.SplitJobParams
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *gin.Engine
}

// New builds the router. defaults fills every field a submitted job leaves out.
func New(jobs *services.JobManager, store history.Store, hub *Hub, defaults models.SplitJobParams, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		jobs:     jobs,
		store:    store,
		hub:      hub,
		defaults: defaults,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_jobs": len(s.jobs.Active())})
	})
	router.GET("/ws", s.handleWebSocket)

	jobsGroup := router.Group("/jobs")
	jobsGroup.POST("", s.createJob)
	jobsGroup.GET("", s.listJobs)
	jobsGroup.DELETE("", s.clearJobs)
	jobsGroup.GET("/:id", s.getJob)
	jobsGroup.POST("/:id/cancel", s.cancelJob)
	jobsGroup.POST("/:id/rerun", s.rerunJob)

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

func (s *Server) createJob(c *gin.Context) {
	params := s.defaults
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: err.Error()})
		return
	}
	if err := splitter.ValidateParams(params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: splitter.KindOf(err).String(), Message: err.Error()})
		return
	}

	progress, complete, bind := s.eventCallbacks()
	handle, err := s.jobs.StartJob(c.Request.Context(), params, progress, complete)
	if err != nil {
		s.internalError(c, "Failed to start job.", err)
		return
	}
	bind(handle.ID())
	c.JSON(http.StatusAccepted, gin.H{"id": handle.ID()})
}

func (s *Server) listJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(history.DefaultListLimit)))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: "limit must be an integer"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: "offset must be a non-negative integer"})
		return
	}
	status := models.JobStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: fmt.Sprintf("unknown status %q", status)})
		return
	}

	records, err := s.store.ListJobs(c.Request.Context(), history.ListQuery{
		Limit:  limit,
		Offset: offset,
		Status: status,
		Search: c.Query("q"),
	})
	if err != nil {
		s.internalError(c, "Failed to list jobs.", err)
		return
	}
	if records == nil {
		records = []*models.HistoryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

func (s *Server) getJob(c *gin.Context) {
	rec, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: codeNotFound, Message: "job not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to load job.", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if s.jobs.Cancel(id) {
		c.JSON(http.StatusAccepted, gin.H{"id": id, "cancelling": true})
		return
	}
	rec, err := s.store.GetJob(c.Request.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: codeNotFound, Message: "job not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to load job.", err)
		return
	}
	c.JSON(http.StatusConflict, ErrorResponse{Error: codeConflict, Message: fmt.Sprintf("job is %s, not running", rec.Status)})
}

func (s *Server) rerunJob(c *gin.Context) {
	progress, complete, bind := s.eventCallbacks()
	handle, err := s.jobs.Rerun(c.Request.Context(), c.Param("id"), progress, complete)
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: codeNotFound, Message: "job not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to rerun job.", err)
		return
	}
	bind(handle.ID())
	c.JSON(http.StatusAccepted, gin.H{"id": handle.ID()})
}

// eventCallbacks returns job callbacks that broadcast to the hub. Progress
// events wait for bind so they always carry the job id.
func (s *Server) eventCallbacks() (splitter.ProgressFunc, services.CompletionFunc, func(string)) {
	ready := make(chan string, 1)
	var (
		once  sync.Once
		jobID string
	)
	progress := func(fraction float64, message string) {
		once.Do(func() { jobID = <-ready })
		s.hub.Broadcast(Event{Type: EventProgress, JobID: jobID, Fraction: fraction, Message: message})
	}
	complete := func(result *models.SplitJobResult, err error, id string) {
		event := Event{Type: EventCompleted, JobID: id, Status: string(models.StatusSuccess)}
		switch {
		case err == nil:
			event.Outputs = result.OutputFiles
		case splitter.IsCancelled(err):
			event.Status = string(models.StatusCancelled)
			event.Error = err.Error()
		default:
			event.Status = string(models.StatusFailed)
			event.Error = err.Error()
		}
		s.hub.Broadcast(event)
	}
	bind := func(id string) { ready <- id }
	return progress, complete, bind
}

func (s *Server) clearJobs(c *gin.Context) {
	if active := s.jobs.Active(); len(active) > 0 {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   codeConflict,
			Message: fmt.Sprintf("%d job(s) still running", len(active)),
		})
		return
	}
	if err := s.store.Clear(c.Request.Context()); err != nil {
		s.internalError(c, "Failed to clear history.", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed.", "error", err)
		return
	}
	s.hub.Register(conn)
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, "error", err, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: codeInternal, Message: err.Error()})
}
