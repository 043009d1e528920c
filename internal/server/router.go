package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	"github.com/MarcoPoloResearchLab/timetracker/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey     = "timetracker_subject"
	engineContextKey      = "timetracker_engine"
	defaultLongPollWait   = 25 * time.Second
	defaultLongPollLimit  = 60 * time.Second
	maxRequestBodyBytes   = 64 << 20
	unmatchedEndpointName = "unmatched"
)

var (
	errMissingDatabases     = errors.New("databases dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Authenticator verifies basic credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. Without Accounts and Tokens every
// database is served without authentication.
type Dependencies struct {
	Databases     *Databases
	Accounts      Authenticator
	Tokens        TokenManager
	Metrics       metrics.Provider
	Logger        *zap.Logger
	AllowOrigins  []string
	LongPollLimit time.Duration
}

// NewHTTPHandler builds the document server router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Databases == nil {
		return nil, errMissingDatabases
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := deps.Metrics
	if provider == nil {
		provider = metrics.NewProvider(false)
	}
	longPollLimit := deps.LongPollLimit
	if longPollLimit <= 0 {
		longPollLimit = defaultLongPollLimit
	}

	handler := &httpHandler{
		databases:     deps.Databases,
		accounts:      deps.Accounts,
		tokens:        deps.Tokens,
		metrics:       provider,
		logger:        logger,
		longPollLimit: longPollLimit,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.observeRequest)
	router.Use(corsMiddleware(deps.AllowOrigins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(provider.Handler()))
	if deps.Accounts != nil && deps.Tokens != nil {
		router.POST("/auth/token", handler.handleIssueToken)
	}

	database := router.Group("/db/:db")
	database.Use(handler.authorizeRequest, handler.resolveDatabase)
	database.GET("", handler.handleInfo)
	database.GET("/_changes", handler.handleChanges)
	database.POST("/_bulk_docs", handler.handleBulkDocs)
	database.POST("/_find", handler.handleFind)
	database.GET("/_all_docs", handler.handleAllDocs)
	database.GET("/docs/:id", handler.handleGetDocument)
	database.PUT("/docs/:id", handler.handlePutDocument)
	database.DELETE("/docs/:id", handler.handleDeleteDocument)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	databases     *Databases
	accounts      Authenticator
	tokens        TokenManager
	metrics       metrics.Provider
	logger        *zap.Logger
	longPollLimit time.Duration
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "databases": h.databases.Names()})
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "reason": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.accounts.Authenticate(c.Request.Context(), username, password)
	if err != nil {
		h.rejectCredentials(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.accounts == nil && h.tokens == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	var subject string
	switch {
	case strings.HasPrefix(header, "Bearer ") && h.tokens != nil:
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "reason": errInvalidAuthorization.Error()})
			return
		}
		validated, err := h.tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		subject = validated
	case strings.HasPrefix(header, "Basic ") && h.accounts != nil:
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "reason": errInvalidAuthorization.Error()})
			return
		}
		authenticated, err := h.accounts.Authenticate(c.Request.Context(), username, password)
		if err != nil {
			h.rejectCredentials(c, err)
			c.Abort()
			return
		}
		subject = authenticated
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "reason": errInvalidAuthorization.Error()})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) rejectCredentials(c *gin.Context, err error) {
	if errors.Is(err, users.ErrInvalidCredentials) {
		h.logger.Warn("basic authentication failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.logger.Error("account lookup failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h *httpHandler) resolveDatabase(c *gin.Context) {
	engine, err := h.databases.Get(c.Request.Context(), c.Param("db"))
	if err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(engineContextKey, engine)
	c.Next()
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	started := time.Now()
	c.Next()
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = unmatchedEndpointName
	}
	h.metrics.IncRequestsTotal(endpoint, c.Writer.Status())
	h.metrics.ObserveRequestDuration(endpoint, time.Since(started))
}

func engineFrom(c *gin.Context) *sqlitestore.Engine {
	return c.MustGet(engineContextKey).(*sqlitestore.Engine)
}
