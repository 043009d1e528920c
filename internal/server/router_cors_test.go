package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preflight(router *gin.Engine, origin, headers string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodOptions, "/db/time-tracker/_bulk_docs", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", headers)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func corsRouter(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(origins))
	router.POST("/db/time-tracker/_bulk_docs", func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return router
}

func TestCORSPreflightAllowsReplicationHeaders(t *testing.T) {
	recorder := preflight(corsRouter(nil), "https://app.example.com", "Authorization, Content-Type")

	require.Equal(t, http.StatusNoContent, recorder.Code)
	allowHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
	assert.Contains(t, allowHeaders, "authorization")
	assert.Contains(t, allowHeaders, "content-type")
	assert.Equal(t, "true", recorder.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "https://app.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRestrictsConfiguredOrigins(t *testing.T) {
	router := corsRouter([]string{"https://tracker.example.com"})

	allowed := preflight(router, "https://tracker.example.com", "Authorization")
	assert.Equal(t, http.StatusNoContent, allowed.Code)
	assert.Equal(t, "https://tracker.example.com", allowed.Header().Get("Access-Control-Allow-Origin"))

	denied := preflight(router, "https://evil.example.com", "Authorization")
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Empty(t, denied.Header().Get("Access-Control-Allow-Origin"))
}
