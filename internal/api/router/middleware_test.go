package router

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/agent-jobs/internal/broker"
)

func TestCORSMiddleware_Headers(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	tests := []struct {
		name   string
		method string
		status int
	}{
		{name: "preflight", method: http.MethodOptions, status: http.StatusNoContent},
		{name: "simple request", method: http.MethodGet, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, tt.method, "/ping", "", nil)
			assert.Equal(t, tt.status, w.Code)

			h := w.Header()
			assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
			assert.Empty(t, h.Get("Access-Control-Allow-Credentials"), "wildcard origin never allows credentials")

			allowed := h.Get("Access-Control-Allow-Headers")
			assert.Contains(t, allowed, "Content-Type")
			assert.Contains(t, allowed, broker.SignatureHeader)
			assert.NotContains(t, allowed, "X-Idempotency-Key")
			assert.NotContains(t, allowed, "X-CSRF-Token")

			assert.Equal(t, "GET, POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
		})
	}
}

func TestLoggerMiddleware_Levels(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "success", status: http.StatusOK, wantLevel: "level=INFO"},
		{name: "client error", status: http.StatusNotFound, wantLevel: "level=WARN"},
		{name: "server error", status: http.StatusServiceUnavailable, wantLevel: "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			r := gin.New()
			r.Use(LoggerMiddleware(logger))
			r.GET("/api/v1/agent-jobs/:job_id", func(c *gin.Context) { c.Status(tt.status) })

			serve(r, http.MethodGet, "/api/v1/agent-jobs/j1", "", nil)

			line := buf.String()
			assert.Equal(t, 1, strings.Count(line, "\n"), line)
			assert.Contains(t, line, tt.wantLevel)
			assert.Contains(t, line, "job_id=j1")
			assert.Contains(t, line, "route=/api/v1/agent-jobs/:job_id")
		})
	}
}
