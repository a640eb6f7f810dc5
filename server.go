package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"survcam/camera"
	"survcam/storage"
)

// modeController is the part of camera.Controller the HTTP surface drives.
type modeController interface {
	RequestMode(ctx context.Context, target camera.Mode) error
	Mode() camera.Mode
	TakeFrame() (camera.Snapshot, error)
	Status() camera.Status
	FPS() float64
}

// storageReporter is the part of storage.Governor the HTTP surface reads.
type storageReporter interface {
	Dir() string
	Active() string
	State() (storage.State, error)
}

// routeHandler is one HTTP route. Each route is a single call into the controller,
// the broker or the segment store.
type routeHandler interface {
	Methods() []string
	Path() string
	Handle(c *gin.Context)
}

// funcRoute adapts a plain handler function to routeHandler.
type funcRoute struct {
	methods []string
	path    string
	fn      gin.HandlerFunc
}

func (r funcRoute) Methods() []string     { return r.methods }
func (r funcRoute) Path() string          { return r.path }
func (r funcRoute) Handle(c *gin.Context) { r.fn(c) }

func get(path string, fn gin.HandlerFunc) routeHandler {
	return funcRoute{methods: []string{http.MethodGet}, path: path, fn: fn}
}

type APIServer struct {
	config     *Config
	backend    string
	controller modeController
	storage    storageReporter
	logger     *Logger
	engine     *gin.Engine
	server     *http.Server
	startTime  time.Time
}

func NewAPIServer(config *Config, backend string, controller modeController, storage storageReporter, logger *Logger) *APIServer {
	gin.SetMode(gin.ReleaseMode)

	s := &APIServer{
		config:     config,
		backend:    backend,
		controller: controller,
		storage:    storage,
		logger:     logger,
		engine:     gin.New(),
		startTime:  time.Now(),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	for _, route := range s.routes() {
		for _, method := range route.Methods() {
			s.engine.Handle(method, route.Path(), route.Handle)
		}
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.engine,
		ReadTimeout:       ServerReadTimeout,
		WriteTimeout:      ServerWriteTimeout,
		IdleTimeout:       ServerIdleTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
		MaxHeaderBytes:    HTTPMaxHeaderBytes,
	}
	return s
}

func (s *APIServer) routes() []routeHandler {
	return []routeHandler{
		// Mode control
		modeRoute{s: s, path: "/stream/start", target: camera.Streaming, message: "Streaming started."},
		modeRoute{s: s, path: "/recording/start", target: camera.Recording, message: "Recording started."},
		modeRoute{s: s, path: "/stop", target: camera.Idle, message: "Stopped."},

		// Live frames
		get("/frame", s.handleFrame),
		get("/stream/mjpeg", s.handleStreamMJPEG),
		get("/stream/ws", s.handleStreamWS),

		// Recordings
		get("/recordings", s.handleListRecordings),
		get("/recordings/:name", s.handleDownloadRecording),
		get("/recordings/:name/frame", s.handleRecordingFrame),

		// Status
		get("/stats", s.handleStats),
		get("/status", s.handleStatus),
		get("/config", s.handleGetConfig),
		get("/health", s.handleHealth),
		get("/", s.handleUI),
	}
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *APIServer) Start() error {
	s.logger.Printf("HTTP server starting on port %d", s.config.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ServerShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, camera.ErrStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, camera.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
