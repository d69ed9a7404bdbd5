package api

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/strata-db/strata/internal/config"
	"github.com/strata-db/strata/internal/logger"
	"github.com/strata-db/strata/internal/metrics"
)

// Server represents the HTTP API server
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	host   string
	port   int
	tls    config.ServerConfig
}

// NewServer creates a new HTTP server with Fiber
func NewServer(cfg config.ServerConfig, log zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Strata Document Database",
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             int(cfg.MaxPayloadSize),
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
		// Command payloads may arrive gzip-compressed; handlers decompress
		// with pooled readers instead of fasthttp's per-request path.
		DisablePreParseMultipartForm: true,
		StreamRequestBody:            false,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,Content-Encoding",
	}))

	app.Use(securityHeaders())

	// pprof profiling endpoints
	app.Use(pprof.New())

	app.Use(requestLogger(log))

	return &Server{
		app:    app,
		logger: log.With().Str("component", "api-server").Logger(),
		host:   cfg.Host,
		port:   cfg.Port,
		tls:    cfg,
	}
}

// RegisterRoutes registers the operational routes. Command handlers register
// themselves via their own RegisterRoutes.
func (s *Server) RegisterRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Readiness check (for Kubernetes)
	s.app.Get("/ready", s.readyHandler)

	// Metrics endpoint (Prometheus format)
	s.app.Get("/metrics", s.metricsHandler)

	// API v1 metrics endpoints (JSON format)
	s.app.Get("/api/v1/metrics", s.apiMetricsHandler)
	s.app.Get("/api/v1/metrics/timeseries/:type", s.timeseriesMetricsHandler)

	// Application logs endpoint
	s.app.Get("/api/v1/logs", s.logsHandler)
}

// healthHandler returns server health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler returns server readiness status (for Kubernetes readiness probes)
func (s *Server) readyHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime).Seconds()

	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": uptime,
	})
}

// metricsHandler returns metrics in Prometheus format or JSON
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()

	accept := c.Get("Accept")
	if accept == "application/json" {
		return c.JSON(m.Snapshot())
	}

	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// apiMetricsHandler returns all metrics in JSON format (API v1)
func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	snapshot := m.Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

// timeseriesMetricsHandler returns sampled metrics over a recent window
func (s *Server) timeseriesMetricsHandler(c *fiber.Ctx) error {
	metricType := c.Params("type") // system, application, api

	durationMinutes := 30
	if dm := c.Query("duration_minutes"); dm != "" {
		if parsed, err := strconv.Atoi(dm); err == nil && parsed > 0 && parsed <= 1440 {
			durationMinutes = parsed
		}
	}

	collector := metrics.GetTimeSeriesCollector()
	var points []metrics.TimeSeriesPoint

	switch metricType {
	case "system":
		points = collector.GetSystem(durationMinutes)
	case "application":
		points = collector.GetApplication(durationMinutes)
	case "api":
		points = collector.GetAPI(durationMinutes)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       "Invalid metric type",
			"valid_types": []string{"system", "application", "api"},
		})
	}

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"type":             metricType,
		"duration_minutes": durationMinutes,
		"points_count":     len(points),
		"data":             points,
	})
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level") // e.g., "error", "warn", "info", "debug"

	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	buffer := logger.GetBuffer()
	entries := buffer.Recent(limit, level, time.Duration(sinceMinutes)*time.Minute)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

var startTime = time.Now()

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().
		Str("host", s.host).
		Int("port", s.port).
		Bool("tls", s.tls.TLSEnabled).
		Msg("Starting Strata HTTP server")

	go func() {
		addr := fmt.Sprintf("%s:%d", s.host, s.port)
		var err error
		if s.tls.TLSEnabled {
			err = s.app.ListenTLS(addr, s.tls.TLSCertFile, s.tls.TLSKeyFile)
		} else {
			err = s.app.Listen(addr)
		}
		if err != nil {
			s.logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// WaitForShutdown blocks until shutdown signal is received
func (s *Server) WaitForShutdown(shutdownTimeout time.Duration) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	s.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if err := s.Shutdown(shutdownTimeout); err != nil {
		s.logger.Error().Err(err).Msg("Shutdown error")
	}
}

// GetApp returns the underlying Fiber app (for registering custom routes)
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		log.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-XSS-Protection", "1; mode=block")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		// API-only service, restrictive CSP is appropriate
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs errors only and collects metrics
func requestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		m := metrics.Get()

		m.IncHTTPRequests()
		m.RecordHTTPLatency(duration.Microseconds())

		if status >= 400 {
			m.IncHTTPError()
		} else {
			m.IncHTTPSuccess()
		}

		// Only errors are logged; per-request logging dominates CPU under load.
		if status >= 400 {
			logEvent := log.Warn()
			if status >= 500 {
				logEvent = log.Error()
			}

			logEvent.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", duration).
				Int("size", len(c.Response().Body())).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}

		return err
	}
}
