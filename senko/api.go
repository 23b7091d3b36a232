package senko

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealth       = "/api/health"
	apiPathCache        = "/api/cache"
	apiPathUserKeywords = "/api/users/:id/keywords"
	apiPathMetrics      = "/api/metrics"

	xRequestIDHeader = "X-Request-ID"

	// how long a stats request may wait on the event loop before the
	// handler gives up
	statsRequestTimeout = 5 * time.Second
)

type ginLoggerKey string

const loggerContextKey ginLoggerKey = "request_logger"

// API is the read-only status server: health, cache contents, and a
// user's stored keywords. It never mutates bot state.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	bot *Senko
}

func newAPI(s *Senko, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		bot:            s,
		logger:         setupLogger.With(loggerNameKey, "api"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathCache, api.getCacheStats)
	r.GET(apiPathUserKeywords, api.getUserKeywords)
	r.GET(apiPathMetrics, api.getRequestMetrics)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error creating listener: %w", err)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheck reports gateway connection state and build info.
func (a *API) healthCheck(c *gin.Context) {
	connected := a.bot.discord != nil && a.bot.discord.connected.Load()
	status := http.StatusOK
	if !connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(
		status, gin.H{
			"discord_connected": connected,
			"version":           Version,
		},
	)
}

// getCacheStats asks the event loop for a snapshot of the keyword cache.
// The cache is owned by that goroutine, so the handler never reads it
// directly.
func (a *API) getCacheStats(c *gin.Context) {
	reply := make(chan CacheStats, 1)
	if !a.bot.enqueue(statsRequestEvent{reply: reply}) {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	select {
	case stats := <-reply:
		c.JSON(http.StatusOK, stats)
	case <-time.After(statsRequestTimeout):
		ginContextLogger(c).Warn("timed out waiting for cache stats")
		c.AbortWithStatus(http.StatusGatewayTimeout)
	case <-c.Request.Context().Done():
		c.AbortWithStatus(http.StatusRequestTimeout)
	}
}

// getUserKeywords returns a user's durable keywords straight from the
// store, bypassing the cache.
func (a *API) getUserKeywords(c *gin.Context) {
	userID := c.Param("id")
	words, err := a.bot.store.UserKeywords(c.Request.Context(), userID)
	if err != nil {
		ginContextLogger(c).Error("error fetching user keywords", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "keywords": words})
}

func (a *API) getRequestMetrics(c *gin.Context) {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	c.JSON(http.StatusOK, a.requestMetrics)
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, for tracking and logging.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs the request method, path, duration, and
// response status, plus any accumulated errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
