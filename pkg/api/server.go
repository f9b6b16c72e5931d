package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ratchet/pkg/dispatch"
	"ratchet/pkg/models"
	"ratchet/pkg/pool"
	"ratchet/pkg/queue"
	"ratchet/pkg/storage"
	"ratchet/pkg/taskerr"
	"ratchet/pkg/validation"
)

// Server is the ops HTTP surface: health, metrics, queue statistics,
// worker state and job submission. The full REST/GraphQL facades live
// outside the core.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	tasks      storage.TaskStore
	workers    WorkerStats
	validator  *validation.Validator
	log        *zap.Logger
}

// WorkerStats is the pool view the server exposes.
type WorkerStats interface {
	Available() int
	Stats() []pool.WorkerStat
}

// Config wires the server's dependencies.
type Config struct {
	Addr       string
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Tasks      storage.TaskStore
	Workers    WorkerStats
	Log        *zap.Logger
}

// NewServer builds the router and HTTP server.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(bodySizeLimit(1 << 20))

	s := &Server{
		router:     router,
		queue:      cfg.Queue,
		dispatcher: cfg.Dispatcher,
		tasks:      cfg.Tasks,
		workers:    cfg.Workers,
		validator:  validation.New(),
		log:        cfg.Log,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until shutdown.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start ops server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/queue/stats", s.queueStats)
		v1.GET("/workers", s.workerStats)
		v1.GET("/stats", s.executionStats)
		v1.POST("/jobs", s.submitJob)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func bodySizeLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	deps := map[string]bool{
		"queue":   s.queue != nil,
		"workers": s.workers != nil && s.workers.Available() >= 0,
	}
	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
		}
	}
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) workerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"available": s.workers.Available(),
		"workers":   s.workers.Stats(),
	})
}

func (s *Server) executionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatcher.Aggregator().Snapshot())
}

type submitJobRequest struct {
	TaskName     string                   `json:"task_name"`
	TaskVersion  string                   `json:"task_version"`
	Input        json.RawMessage          `json:"input"`
	Priority     int                      `json:"priority"`
	MaxRetries   *int                     `json:"max_retries"`
	Destinations models.DestinationList   `json:"output_destinations"`
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := validation.ValidateTaskName(req.TaskName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.validator.ValidateJSON(req.Input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	version := req.TaskVersion
	var task *models.Task
	var err error
	if version != "" {
		if verr := validation.ValidateSemver(version); verr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		task, err = s.tasks.GetTaskByNameVersion(c.Request.Context(), req.TaskName, version)
	} else {
		var tasks []models.Task
		tasks, err = s.tasks.ListTasks(c.Request.Context(), storage.TaskFilter{Name: req.TaskName}, storage.Page{})
		if err == nil && len(tasks) > 0 {
			task = &tasks[len(tasks)-1]
		} else if err == nil {
			err = storage.ErrNotFound
		}
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task %s not found", req.TaskName)})
		return
	}

	priority := models.Priority(req.Priority)
	if priority < models.PriorityLow || priority > models.PriorityUrgent {
		priority = models.PriorityNormal
	}
	job := &models.Job{
		TaskID:             task.ID,
		Priority:           priority,
		Input:              models.RawJSON(req.Input),
		OutputDestinations: req.Destinations,
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	jobID, err := s.queue.Enqueue(c.Request.Context(), job)
	if err != nil {
		status := http.StatusInternalServerError
		if taskerr.KindOf(err) == taskerr.KindQueueFull {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   jobID,
		"job_uuid": job.UUID,
		"status":   job.Status,
	})
}

func (s *Server) cancelJob(c *gin.Context) {
	var jobID int64
	if _, err := fmt.Sscanf(c.Param("id"), "%d", &jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := s.dispatcher.CancelJob(c.Request.Context(), jobID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": models.JobCancelled})
}
