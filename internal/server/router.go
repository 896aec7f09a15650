package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/owners"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/playlist"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerIDContextKey = "tempo_owner_id"

const playlistChangeEvent = "playlist-change"

var (
	errMissingDeviceValidator = errors.New("device validator dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingOwnerResolver   = errors.New("owner resolver dependency required")
	errMissingPlaylistService = errors.New("playlist service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// DeviceVerifier validates device-provisioned tokens.
type DeviceVerifier interface {
	ValidateToken(token string) (auth.DeviceClaims, error)
}

// BackendTokenManager issues and validates backend bearer tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, ownerID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// OwnerResolver maps validated device claims to canonical owner ids.
type OwnerResolver interface {
	ResolveCanonicalOwnerID(claims owners.Claims) (string, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	DeviceVerifier  DeviceVerifier
	TokenManager    BackendTokenManager
	OwnerResolver   OwnerResolver
	PlaylistService *playlist.Service
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router for the playlist API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.DeviceVerifier == nil {
		return nil, errMissingDeviceValidator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.OwnerResolver == nil {
		return nil, errMissingOwnerResolver
	}
	if deps.PlaylistService == nil {
		return nil, errMissingPlaylistService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		devices:   deps.DeviceVerifier,
		tokens:    deps.TokenManager,
		owners:    deps.OwnerResolver,
		playlists: deps.PlaylistService,
		logger:    logger,
	}

	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/playlists/sync", handler.handlePlaylistSync)
	protected.GET("/playlists/:playlistId", handler.handlePlaylistGet)
	protected.GET("/playlists/:playlistId/items", handler.handlePagedItems)
	protected.GET("/playlists/:playlistId/events", handler.handlePlaylistEvents)

	return router, nil
}

type httpHandler struct {
	devices   DeviceVerifier
	tokens    BackendTokenManager
	owners    OwnerResolver
	playlists *playlist.Service
	logger    *zap.Logger
}

type deviceAuthRequestPayload struct {
	DeviceToken string `json:"device_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.devices.ValidateToken(request.DeviceToken)
	if err != nil {
		h.logger.Warn("device token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ownerID, err := h.owners.ResolveCanonicalOwnerID(owners.Claims{
		Subject:     claims.Subject,
		Provider:    claims.Provider,
		DisplayName: claims.DisplayName,
	})
	if err != nil {
		h.logger.Warn("owner resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type syncItemPayload struct {
	ID        string `json:"id"`
	ContentID string `json:"content_id"`
}

type syncRequestPayload struct {
	PlaylistID  string            `json:"playlist_id"`
	DisplayName string            `json:"display_name"`
	Items       []syncItemPayload `json:"items"`
}

type playlistResponsePayload struct {
	PlaylistID  string            `json:"playlist_id"`
	SnapshotID  string            `json:"snapshot_id"`
	DisplayName string            `json:"display_name"`
	OwnerID     string            `json:"owner_id"`
	Items       []syncItemPayload `json:"items"`
}

func playlistResponse(state playlist.Playlist) playlistResponsePayload {
	items := make([]syncItemPayload, 0, len(state.Items))
	for _, item := range state.Items {
		items = append(items, syncItemPayload{ID: item.ID, ContentID: item.ContentID})
	}
	return playlistResponsePayload{
		PlaylistID:  state.ID,
		SnapshotID:  state.SnapshotID,
		DisplayName: state.DisplayName,
		OwnerID:     state.OwnerID,
		Items:       items,
	}
}

func (h *httpHandler) handlePlaylistSync(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PlaylistID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if !h.authorizeOwnership(c, request.PlaylistID, ownerID) {
		return
	}

	var items []playlist.Item
	if request.Items != nil {
		items = make([]playlist.Item, 0, len(request.Items))
		for _, item := range request.Items {
			items = append(items, playlist.Item{ID: item.ID, ContentID: item.ContentID})
		}
	}

	state, err := h.playlists.SynchronizeOrCreate(c.Request.Context(), playlist.Playlist{
		ID:          request.PlaylistID,
		DisplayName: request.DisplayName,
		OwnerID:     ownerID,
		Items:       items,
	})
	if err != nil {
		if errors.Is(err, playlist.ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("playlist sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, playlistResponse(state))
}

func (h *httpHandler) handlePlaylistGet(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	playlistID := c.Param("playlistId")

	state, err := h.playlists.Get(c.Request.Context(), playlistID)
	if err != nil {
		h.respondReadError(c, err)
		return
	}
	if state.OwnerID != "" && state.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	c.JSON(http.StatusOK, playlistResponse(state))
}

type pagedItemsResponsePayload struct {
	PlaylistID string            `json:"playlist_id"`
	SnapshotID string            `json:"snapshot_id"`
	Offset     int               `json:"offset"`
	Items      []syncItemPayload `json:"items"`
}

func (h *httpHandler) handlePagedItems(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	playlistID := c.Param("playlistId")

	if !h.authorizeOwnership(c, playlistID, ownerID) {
		return
	}

	snapshotID := c.Query("snapshot_id")
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_offset"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	page, err := h.playlists.GetPagedItems(c.Request.Context(), playlistID, snapshotID, offset, limit)
	if err != nil {
		h.respondReadError(c, err)
		return
	}

	items := make([]syncItemPayload, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, syncItemPayload{ID: item.ID, ContentID: item.ContentID})
	}
	c.JSON(http.StatusOK, pagedItemsResponsePayload{
		PlaylistID: page.PlaylistID,
		SnapshotID: page.SnapshotID,
		Offset:     page.Offset,
		Items:      items,
	})
}

func (h *httpHandler) handlePlaylistEvents(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	playlistID := c.Param("playlistId")

	if !h.authorizeOwnership(c, playlistID, ownerID) {
		return
	}

	stream, cancel, err := h.playlists.ObserveChanges(c.Request.Context(), playlistID)
	if err != nil {
		h.respondReadError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case state, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(playlistChangeEvent, playlistResponse(state))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// authorizeOwnership rejects access to playlists owned by someone else. A
// playlist that does not exist yet is available to any authenticated owner.
func (h *httpHandler) authorizeOwnership(c *gin.Context, playlistID, ownerID string) bool {
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	state, err := h.playlists.Get(c.Request.Context(), playlistID)
	if err != nil {
		if errors.Is(err, playlist.ErrNotFound) {
			return true
		}
		h.respondReadError(c, err)
		return false
	}
	if state.OwnerID != "" && state.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

func (h *httpHandler) respondReadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, playlist.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, playlist.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("playlist read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}
