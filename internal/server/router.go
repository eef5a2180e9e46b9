package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/actor"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/auth"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/batch"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	uidContextKey         = "collab_uid"
	workspaceContextKey   = "collab_workspace_id"
	defaultRequestTimeout = 30 * time.Second
	retryAfterSeconds     = "1"
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingIdentities    = errors.New("identity resolver dependency required")
	errMissingRouter        = errors.New("collab router dependency required")
	errMissingStore         = errors.New("collab store dependency required")
	errMissingCodec         = errors.New("codec dependency required")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// Authenticator validates the credentials carried by a request.
type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated claims to a numeric uid.
type IdentityResolver interface {
	ResolveUID(ctx context.Context, claims auth.SessionClaims) (int64, error)
}

// Authorizer decides whether uid may use a workspace.
type Authorizer interface {
	Authorize(ctx context.Context, uid int64, workspaceID collab.WorkspaceID) error
}

// CollabRouter is the part of the actor router reached over HTTP. Every write goes through
// the object's actor.
type CollabRouter interface {
	FullSync(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.FullSyncRequest) (*collab.EncodedCollab, error)
	Provision(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.ProvisionRequest) error
	Delete(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) error
}

// CollabStore is the read-only storage surface reached over HTTP.
type CollabStore interface {
	UsageBytes(ctx context.Context, uid int64) (int64, error)
	WorkspaceUsage(ctx context.Context, workspaceID collab.WorkspaceID) (int64, int64, error)
}

// BatchIngestor stores batch uploads.
type BatchIngestor interface {
	Ingest(ctx context.Context, req batch.Request) (batch.Result, error)
}

// RealtimeHandler serves live sessions.
type RealtimeHandler interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request, uid int64)
	PostStream(ctx context.Context, uid int64, header http.Header, body io.Reader) error
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Authenticator  Authenticator
	Identities     IdentityResolver
	Access         Authorizer
	Router         CollabRouter
	Store          CollabStore
	Ingestor       BatchIngestor
	Realtime       RealtimeHandler
	Codec          *envelope.Codec
	Limits         envelope.Limits
	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the collaboration API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Router == nil {
		return nil, errMissingRouter
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Codec == nil {
		return nil, errMissingCodec
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limits := deps.Limits
	if limits.DataFrame <= 0 || limits.HTTPBody <= 0 {
		limits = envelope.DefaultLimits()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		identities:    deps.Identities,
		access:        deps.Access,
		router:        deps.Router,
		store:         deps.Store,
		ingestor:      deps.Ingestor,
		realtime:      deps.Realtime,
		codec:         deps.Codec,
		limits:        limits,
		timeout:       timeout,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	workspace := protected.Group("/api/workspace/:workspace_id")
	workspace.Use(handler.authorizeWorkspace)
	workspace.POST("/collab/:object_id/full-sync", handler.handleFullSync)
	workspace.POST("/collab/:object_id", handler.handleCreateCollab)
	workspace.DELETE("/collab/:object_id", handler.handleDeleteCollab)
	workspace.POST("/batch_create", handler.handleBatchCreate)
	workspace.GET("/usage", handler.handleUsage)

	if deps.Realtime != nil {
		protected.POST("/api/realtime/post/stream", handler.handlePostStream)
		protected.GET("/ws/v1", handler.handleWebSocket)
	}

	return router, nil
}

type httpHandler struct {
	authenticator Authenticator
	identities    IdentityResolver
	access        Authorizer
	router        CollabRouter
	store         CollabStore
	ingestor      BatchIngestor
	realtime      RealtimeHandler
	codec         *envelope.Codec
	limits        envelope.Limits
	timeout       time.Duration
	logger        *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			"Authorization",
			"Content-Type",
			"Device-Id",
			"Client-Version",
			envelope.HeaderCompressionType,
			envelope.HeaderCompressionBufferSize,
		},
		ExposeHeaders: []string{envelope.HeaderCompressionType, "Retry-After"},
		MaxAge:        12 * time.Hour,
	})
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveSince(metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())), start)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	uid, err := h.identities.ResolveUID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(uidContextKey, uid)
	c.Next()
}

func (h *httpHandler) authorizeWorkspace(c *gin.Context) {
	workspaceID, err := collab.NewWorkspaceID(c.Param("workspace_id"))
	if err != nil {
		h.abortWithError(c, collab.NewError(collab.ErrDecode, "server.workspace", "invalid_workspace_id", err))
		return
	}
	if h.access != nil {
		if err := h.access.Authorize(c.Request.Context(), c.GetInt64(uidContextKey), workspaceID); err != nil {
			h.abortWithError(c, err)
			return
		}
	}
	c.Set(workspaceContextKey, workspaceID)
	c.Next()
}

func workspaceFromContext(c *gin.Context) collab.WorkspaceID {
	value, _ := c.Get(workspaceContextKey)
	workspaceID, _ := value.(collab.WorkspaceID)
	return workspaceID
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch collab.KindOf(err) {
	case collab.ErrDecode, collab.ErrValidation:
		return http.StatusBadRequest
	case collab.ErrNotFound:
		return http.StatusNotFound
	case collab.ErrCapacityExceeded:
		return http.StatusInsufficientStorage
	case collab.ErrBusy:
		return http.StatusTooManyRequests
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var typed *collab.Error
	if errors.As(err, &typed) {
		return typed.Code()
	}
	return "internal"
}

func (h *httpHandler) logFailure(c *gin.Context, status int, err error) {
	if status < http.StatusInternalServerError {
		return
	}
	h.logger.Error("request failed",
		zap.String("route", c.FullPath()),
		zap.Int64("uid", c.GetInt64(uidContextKey)),
		zap.Int("status", status),
		zap.Error(err),
	)
}

// abortWithError writes a JSON error body.
func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	h.logFailure(c, status, err)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorCode(err)})
}

// abortWithStatus writes the status alone, for binary endpoints.
func (h *httpHandler) abortWithStatus(c *gin.Context, err error) {
	status := statusFor(err)
	h.logFailure(c, status, err)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.AbortWithStatus(status)
}
