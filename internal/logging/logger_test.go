package logging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_LevelParsing(t *testing.T) {
	logger := NewLogger("govlock", "debug")
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	// An unknown level falls back to info.
	logger = NewLogger("govlock", "verbose")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestLockLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	lockLogger := LockLogger(base, "res-1", "ASSESS")
	lockLogger.Info().Msg("acquired")

	out := buf.String()
	assert.Contains(t, out, `"resourceId":"res-1"`)
	assert.Contains(t, out, `"scope":"ASSESS"`)
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithLogger(context.Background(), logger)
	ctxLogger := LoggerFromContext(ctx)
	ctxLogger.Info().Msg("from context")

	assert.Contains(t, buf.String(), "from context")
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	router := gin.New()
	router.Use(RequestLogger(logger))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping?x=1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	out := buf.String()
	assert.Contains(t, out, `"path":"/ping"`)
	assert.Contains(t, out, `"status":204`)
	assert.Contains(t, out, `"requestId":"req-42"`)
}
