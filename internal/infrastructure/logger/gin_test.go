package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGinMiddleware(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	zapLogger := zap.New(core)

	router := gin.New()
	router.Use(GinMiddleware(zapLogger))
	router.GET("/usage/overview", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/usage/overview?period=month", nil)
	router.ServeHTTP(w, req)

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "HTTP Request", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "/usage/overview", fields["path"])
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, "period=month", fields["query"])
}

func TestGinMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusTooManyRequests, zapcore.WarnLevel},
		{http.StatusForbidden, zapcore.WarnLevel},
		{http.StatusInternalServerError, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		core, recorded := observer.New(zapcore.InfoLevel)
		router := gin.New()
		router.Use(GinMiddleware(zap.New(core)))
		router.GET("/check", func(c *gin.Context) {
			c.Status(tt.status)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/check", nil))

		entries := recorded.All()
		require.Len(t, entries, 1, "status %d", tt.status)
		assert.Equal(t, tt.level, entries[0].Level, "status %d", tt.status)
	}
}

func TestGinMiddleware_InstallsRequestLogger(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	var fromGin, fromCtx *zap.Logger
	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/healthz", func(c *gin.Context) {
		fromGin = GetGinLogger(c)
		fromCtx = FromContext(c.Request.Context())
		fromGin.Info("handler entry")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	require.NotNil(t, fromGin)
	assert.Same(t, fromGin, fromCtx)
	// Handler entry plus the request log
	assert.Len(t, recorded.All(), 2)
}

func TestGetGinLogger_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	log := GetGinLogger(c)
	require.NotNil(t, log)
	log.Info("no-op")
}

func TestRecovery(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)

	router := gin.New()
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) {
		panic("counter store exploded")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Panic recovered", entries[0].Message)
	assert.Equal(t, "counter store exploded", entries[0].ContextMap()["error"])
}

func TestRecovery_NoPanicPassesThrough(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)

	router := gin.New()
	router.Use(Recovery(zap.New(core)))
	router.GET("/fine", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/fine", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, recorded.All())
}
