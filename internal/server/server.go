package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

type (
	// Server implements the HTTP API over an engine
	Server struct {
		engine  api.Engine
		logger  *slog.Logger
		service string
	}

	// ErrorResponse is the body of every failed request
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}

	// HealthResponse is returned by GET /health
	HealthResponse struct {
		Service string `json:"service"`
		Status  string `json:"status"`
	}

	// OfferRequest carries the data items of one transaction
	OfferRequest struct {
		Data []api.Data `json:"data"`
	}

	// OfferResponse identifies the trace and transaction of an offer
	OfferResponse struct {
		TraceID string `json:"trace_id"`
		TransID string `json:"trans_id,omitempty"`
	}

	// CompleteRequest resumes parked contexts; Data is optional
	CompleteRequest struct {
		IDs  []string   `json:"ids" binding:"required,min=1"`
		Data []api.Data `json:"data,omitempty"`
	}

	// SweepResponse reports how many nodes a sweep woke
	SweepResponse struct {
		Woken int `json:"woken"`
	}

	// TraceResponse is the JSON view of a trace
	TraceResponse struct {
		ID          string     `json:"id"`
		StreamID    string     `json:"stream_id"`
		Status      string     `json:"status"`
		ContextPool []string   `json:"context_pool"`
		StartTime   time.Time  `json:"start_time"`
		EndTime     *time.Time `json:"end_time,omitempty"`
	}

	// ContextResponse is the JSON view of a context
	ContextResponse struct {
		ID           string    `json:"id"`
		TraceID      string    `json:"trace_id"`
		TransID      string    `json:"trans_id"`
		StreamID     string    `json:"stream_id"`
		Position     string    `json:"position"`
		PrevPosition string    `json:"prev_position,omitempty"`
		Status       string    `json:"status"`
		BatchID      string    `json:"batch_id,omitempty"`
		Sent         bool      `json:"sent,omitempty"`
		Data         api.Data  `json:"data"`
		Meta         api.Meta  `json:"meta"`
		UpdateTime   time.Time `json:"update_time"`
	}

	// PageResponse is one page of contexts
	PageResponse struct {
		Items []ContextResponse `json:"items"`
		Total int               `json:"total"`
		Page  int               `json:"page"`
		Limit int               `json:"limit"`
	}
)

var (
	ErrInvalidJSON  = errors.New("invalid JSON body")
	ErrInvalidQuery = errors.New("trace_id or trans_id is required")
	ErrInvalidPage  = errors.New("invalid page parameters")
)

// NewServer creates a new HTTP API server. A nil logger uses slog.Default
func NewServer(eng api.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, logger: logger, service: "flowd"}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET("/health", s.handleHealth)

	streams := router.Group("/streams/:streamID")
	{
		streams.POST("/traces", s.offer)
		streams.POST("/complete", s.complete)
	}

	traces := router.Group("/traces/:traceID")
	{
		traces.GET("", s.getTrace)
		traces.POST("/offer", s.offerTrace)
		traces.POST("/terminate", s.terminate)
	}

	contexts := router.Group("/contexts")
	{
		contexts.GET("/running", s.runningContexts)
		contexts.GET("/finished", s.finishedContexts)
		contexts.GET("/errors", s.errorContexts)
	}

	router.POST("/sweep", s.sweep)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Service: s.service, Status: "ok"})
}

func (s *Server) sweep(c *gin.Context) {
	n, err := s.engine.Sweep(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SweepResponse{Woken: n})
}

// fail maps engine errors to HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, api.ErrUnknownStream), errors.Is(err, api.ErrTraceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrTraceTerminated), errors.Is(err, api.ErrNotSent):
		status = http.StatusConflict
	case errors.Is(err, api.ErrOutputMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, api.ErrLockTimeout):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			slog.String("path", c.FullPath()), log.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Status: status})
}

func badRequest(c *gin.Context, cause error, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:  fmt.Sprintf("%s: %v", cause, err),
		Status: http.StatusBadRequest,
	})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
