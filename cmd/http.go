// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"net/http"
	"time"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/Thermoquad/echostat/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var startedAt = time.Now()

// immediateReader is the trigger surface exposed over HTTP
type immediateReader interface {
	RequestImmediateRead() error
	State() meter.PollState
}

// newHTTPHandler serves /health, /metrics, GET /state and, when trigger
// is set, POST /read
func newHTTPHandler(r immediateReader, trigger bool) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logging.For("http")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(startedAt).String(),
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/state", func(c *gin.Context) {
		s := r.State()
		body := gin.H{
			"phase":                s.Phase.String(),
			"total_polls":          s.TotalPolls,
			"total_failures":       s.TotalFailures,
			"consecutive_failures": s.ConsecutiveFailures,
		}
		if !s.LastSuccess.IsZero() {
			body["last_success"] = s.LastSuccess.Format(time.RFC3339)
		}
		if s.LastError != nil {
			body["last_error"] = s.LastError.Error()
		}
		c.JSON(http.StatusOK, body)
	})

	if trigger {
		router.POST("/read", func(c *gin.Context) {
			err := r.RequestImmediateRead()
			switch {
			case err == nil:
				c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
			case errors.Is(err, meter.ErrBusy):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
		})
	}

	return router
}

// requestLogger logs one line per request, at warn for 4xx and error
// for 5xx
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
