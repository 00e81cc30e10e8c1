package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/iggafy/dropaline-sub000/internal/auth"
	"github.com/iggafy/dropaline-sub000/internal/changes"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/engine"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/gate"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "dropaline_user_id"
	accessTokenQuery = "access_token"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingEngine      = errors.New("engine dependency required")
	errMissingDropService = errors.New("drop service dependency required")
	errMissingSessions    = errors.New("session validator dependency required")
	errMissingEventSource = errors.New("event source dependency required")
	errMissingOwner       = errors.New("owner user id required")
)

// Engine is the slice of the delivery engine the control API drives.
type Engine interface {
	Feed(ctx context.Context) ([]feed.Item, error)
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	SetPolicy(ctx context.Context, policy gate.Policy) error
	SetDevice(ctx context.Context, device string) error
	RunBatch(ctx context.Context) (*engine.Batch, error)
	PrintNow(ctx context.Context, dropID string) error
}

type DropService interface {
	Publish(ctx context.Context, draft drops.Draft) (drops.Drop, error)
	Subscribe(ctx context.Context, subscriberID, creatorID drops.UserID, autoPrint bool) error
	Unsubscribe(ctx context.Context, subscriberID, creatorID drops.UserID) error
	SetAutoPrint(ctx context.Context, subscriberID, creatorID drops.UserID, autoPrint bool) error
	Get(ctx context.Context, dropID drops.DropID) (drops.Drop, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type EventSource interface {
	Subscribe(ctx context.Context, topic string) (<-chan changes.Event, func())
}

type Dependencies struct {
	// UserID is the only account this client serves.
	UserID            drops.UserID
	Engine            Engine
	Drops             DropService
	Sessions          SessionValidator
	Events            EventSource
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Drops == nil {
		return nil, errMissingDropService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Events == nil {
		return nil, errMissingEventSource
	}
	if strings.TrimSpace(deps.UserID.String()) == "" {
		return nil, errMissingOwner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		owner:     deps.UserID,
		engine:    deps.Engine,
		drops:     deps.Drops,
		sessions:  deps.Sessions,
		events:    deps.Events,
		origins:   origins,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/feed", handler.handleFeed)
	protected.GET("/engine", handler.handleSnapshot)
	protected.PUT("/policy", handler.handleSetPolicy)
	protected.PUT("/device", handler.handleSetDevice)
	protected.POST("/batch", handler.handleRunBatch)
	protected.POST("/drops", handler.handlePublish)
	protected.GET("/drops/:id", handler.handleGetDrop)
	protected.POST("/drops/:id/print", handler.handlePrintNow)
	protected.PUT("/subscriptions/:creator", handler.handleSubscribe)
	protected.PATCH("/subscriptions/:creator", handler.handleSetAutoPrint)
	protected.DELETE("/subscriptions/:creator", handler.handleUnsubscribe)
	protected.GET("/events", handler.handleEventStream)
	protected.GET("/events/ws", handler.handleEventSocket)

	return router, nil
}

type httpHandler struct {
	owner     drops.UserID
	engine    Engine
	drops     DropService
	sessions  SessionValidator
	events    EventSource
	origins   []string
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		// Browser EventSource and WebSocket clients cannot set headers.
		if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrForeignSession):
		h.logger.Warn("session rejected", zap.String("owner", h.owner.String()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	default:
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
