// Package httpapi exposes the pipeline's trigger surface over HTTP. Every
// mutating route enqueues a job and answers 202 with its id; payloads that
// fail validation are rejected with 400 and nothing is enqueued.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/auth"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/tasks"
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TokenHash is the bcrypt hash of the bearer token. Empty leaves the
	// API open.
	TokenHash      string
	UploadMaxBytes int64
}

type Server struct {
	pipeline *tasks.Pipeline
	jobs     queue.Queue
	verifier *auth.Verifier
	logger   zerolog.Logger
	opts     Options
}

func NewServer(pipeline *tasks.Pipeline, jobs queue.Queue, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	uploadMax := opts.UploadMaxBytes
	if uploadMax <= 0 {
		uploadMax = 10 << 20
	}

	return &Server{
		pipeline: pipeline,
		jobs:     jobs,
		verifier: auth.NewVerifier(opts.TokenHash),
		logger:   logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			TokenHash:       opts.TokenHash,
			UploadMaxBytes:  uploadMax,
		},
	}
}

// Handler builds the routed echo instance.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	protected := api.Group("", s.requireToken())
	protected.POST("/ingest/url", s.handleIngestURL)
	protected.POST("/ingest/upload", s.handleIngestUpload)
	protected.POST("/sources/:id/ingest", s.handleIngestSource)
	protected.POST("/stories/:id/reanalyze", s.handleReanalyze)
	protected.GET("/jobs/:id", s.handleJob)
	protected.POST("/jobs/:id/cancel", s.handleCancelJob)
	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.pipeline == nil || s.jobs == nil {
		return fmt.Errorf("server is not initialized")
	}
	if !s.verifier.Enabled() {
		s.logger.Warn().Msg("API_TOKEN_HASH is empty; trigger routes are unauthenticated")
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("pulse api server started")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("pulse api server stopped")
	return nil
}

func (s *Server) requireToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.verifier.Enabled() {
				return next(c)
			}
			token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok || !s.verifier.Verify(token) {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="pulse"`)
				return fail(c, http.StatusUnauthorized, "Unauthorized", nil)
			}
			return next(c)
		}
	}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}
