package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/access"
	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
	"github.com/pinpointhq/pinpoint/backend/internal/geometry"
	"github.com/pinpointhq/pinpoint/backend/internal/identity"
	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
	"github.com/pinpointhq/pinpoint/backend/internal/viewstate"
)

const (
	sessionContextKey = "pinpoint_session"
	guestContextKey   = "pinpoint_guest"
)

var (
	errMissingSessionValidator   = errors.New("session validator dependency required")
	errMissingIdentityService    = errors.New("identity service dependency required")
	errMissingAnnotationsService = errors.New("annotations service dependency required")
	errMissingBroker             = errors.New("realtime broker dependency required")
	errInvalidAuthorization      = errors.New("authorization missing or invalid")
)

// SessionValidator checks a bearer token and returns the subject and display name.
type SessionValidator interface {
	ValidateSession(token string) (string, string, error)
}

// PageCapturer renders a page screenshot for annotation context.
type PageCapturer interface {
	CapturePage(ctx context.Context, pageURL string, preset geometry.Preset) ([]byte, error)
}

// AttachmentStore persists attachment payloads outside the relational store.
type AttachmentStore interface {
	Put(ctx context.Context, key, contentType string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	Sessions    SessionValidator
	Identity    *identity.Service
	Annotations *annotations.Service
	Broker      realtime.Broker
	ViewState   *viewstate.Service
	Capturer    PageCapturer
	Attachments AttachmentStore
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router with CORS, auth, and the annotation API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Annotations == nil {
		return nil, errMissingAnnotationsService
	}
	if deps.Broker == nil {
		return nil, errMissingBroker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch,
			http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Share-Token", "X-Guest-Name", "X-Guest-Email"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		identity:    deps.Identity,
		annotations: deps.Annotations,
		broker:      deps.Broker,
		viewState:   deps.ViewState,
		capturer:    deps.Capturer,
		attachments: deps.Attachments,
		logger:      logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/assets/:assetID/annotations", handler.handleListAnnotations)
	protected.POST("/assets/:assetID/annotations", handler.handleCreateAnnotation)
	protected.POST("/assets/:assetID/annotations/bulk", handler.handleBulkAnnotations)
	protected.GET("/annotations/:annotationID", handler.handleGetAnnotation)
	protected.PATCH("/annotations/:annotationID", handler.handleUpdateAnnotation)
	protected.DELETE("/annotations/:annotationID", handler.handleDeleteAnnotation)
	protected.POST("/annotations/:annotationID/resolve", handler.handleResolveAnnotation)
	protected.POST("/annotations/:annotationID/reopen", handler.handleReopenAnnotation)
	protected.GET("/annotations/:annotationID/replies", handler.handleListReplies)
	protected.POST("/annotations/:annotationID/replies", handler.handleCreateReply)
	protected.GET("/annotations/:annotationID/attachments", handler.handleListAttachments)
	protected.POST("/annotations/:annotationID/attachments", handler.handleUploadAttachment)
	protected.GET("/attachments/:attachmentID/content", handler.handleDownloadAttachment)
	protected.GET("/assets/:assetID/collaborators", handler.handleListCollaborators)
	protected.PUT("/assets/:assetID/collaborators/:userID/role", handler.handleSetCollaboratorRole)
	protected.GET("/assets/:assetID/viewstate", handler.handleGetViewState)
	protected.PUT("/assets/:assetID/viewstate", handler.handlePutViewState)
	protected.POST("/assets/:assetID/capture", handler.handleCapturePage)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	identity    *identity.Service
	annotations *annotations.Service
	broker      realtime.Broker
	viewState   *viewstate.Service
	capturer    PageCapturer
	attachments AttachmentStore
	logger      *zap.Logger
}

// sessionProfile is stashed on the gin context for authenticated requests.
type sessionProfile struct {
	UserID      string
	DisplayName string
}

// authorizeRequest accepts either a bearer session token or a guest share
// token pair. Role binding to an asset happens per handler.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		userID, displayName, err := h.sessions.ValidateSession(token)
		if err != nil {
			h.logger.Warn("session validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(sessionContextKey, sessionProfile{UserID: userID, DisplayName: displayName})
		c.Next()
		return
	}

	shareToken := c.GetHeader("X-Share-Token")
	if shareToken == "" {
		shareToken = c.Query("share_token")
	}
	guestName := c.GetHeader("X-Guest-Name")
	if guestName == "" {
		guestName = c.Query("guest_name")
	}
	if shareToken != "" {
		actor, err := h.identity.ResolveGuest(shareToken, guestName)
		if err != nil {
			h.logger.Warn("guest resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(guestContextKey, actor)
		c.Next()
		return
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
}

// actorForAsset binds the authenticated caller to a role on the asset. Guests
// carry their role directly; members resolve through the collaborator table.
func (h *httpHandler) actorForAsset(c *gin.Context, assetID string) (access.Actor, bool) {
	if value, ok := c.Get(guestContextKey); ok {
		if actor, ok := value.(access.Actor); ok {
			return actor, true
		}
	}
	if value, ok := c.Get(sessionContextKey); ok {
		if profile, ok := value.(sessionProfile); ok {
			actor, err := h.identity.ResolveMember(assetID, identity.SessionProfile{
				UserID:      profile.UserID,
				DisplayName: profile.DisplayName,
			})
			if err != nil {
				h.logger.Warn("member resolution failed", zap.Error(err))
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return access.Actor{}, false
			}
			return actor, true
		}
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	return access.Actor{}, false
}

// forbid answers every permission failure identically so callers cannot probe
// for resource existence.
func forbid(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

// publishMutation pushes a confirmed mutation onto the asset's channel. A
// publish failure only delays peers until their next resync.
func (h *httpHandler) publishMutation(ctx context.Context, event realtime.Event) {
	if err := h.broker.PublishMutation(ctx, event); err != nil {
		h.logger.Warn("mutation publish failed",
			zap.String("asset_id", event.AssetID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
