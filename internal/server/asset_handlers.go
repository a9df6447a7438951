package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/access"
	"github.com/pinpointhq/pinpoint/backend/internal/faults"
	"github.com/pinpointhq/pinpoint/backend/internal/geometry"
	"github.com/pinpointhq/pinpoint/backend/internal/identity"
	"github.com/pinpointhq/pinpoint/backend/internal/viewstate"
)

type collaboratorPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
}

type rolePayload struct {
	Role string `json:"role"`
}

type viewStatePayload struct {
	Mode    string `json:"mode"`
	Preset  string `json:"preset"`
	LastURL string `json:"lastUrl"`
}

type capturePayload struct {
	URL    string `json:"url"`
	Preset string `json:"preset"`
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	assetID := c.Param("assetID")
	actor, ok := h.actorForAsset(c, assetID)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceCollaborator, access.ActionRead) {
		forbid(c)
		return
	}

	collaborators, err := h.identity.ListCollaborators(assetID)
	if err != nil {
		h.logger.Error("collaborator listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]collaboratorPayload, 0, len(collaborators))
	for _, collaborator := range collaborators {
		payload = append(payload, collaboratorPayload{
			UserID:      collaborator.UserID,
			DisplayName: collaborator.DisplayName,
			Email:       collaborator.Email,
			Role:        collaborator.Role,
		})
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": payload})
}

func (h *httpHandler) handleSetCollaboratorRole(c *gin.Context) {
	assetID := c.Param("assetID")
	actor, ok := h.actorForAsset(c, assetID)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceCollaborator, access.ActionUpdate) {
		forbid(c)
		return
	}

	var request rolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role := access.Role(strings.ToLower(strings.TrimSpace(request.Role)))
	switch role {
	case access.RoleViewer, access.RoleEditor, access.RoleOwner:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	if err := h.identity.SetRole(assetID, c.Param("userID"), role); err != nil {
		if errors.Is(err, identity.ErrInvalidIdentity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("role update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetViewState(c *gin.Context) {
	if h.viewState == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "viewstate_disabled"})
		return
	}
	assetID := c.Param("assetID")
	actor, ok := h.actorForAsset(c, assetID)
	if !ok {
		return
	}
	// Guests have no durable identity to key a snapshot on; they always get
	// the default view.
	if actor.UserID == "" {
		c.JSON(http.StatusOK, viewStatePayload{
			Mode:   string(viewstate.ModeBrowse),
			Preset: string(geometry.PresetDesktop),
		})
		return
	}

	state := h.viewState.Load(actor.UserID, assetID)
	c.JSON(http.StatusOK, viewStatePayload{Mode: state.Mode, Preset: state.Preset, LastURL: state.LastURL})
}

func (h *httpHandler) handlePutViewState(c *gin.Context) {
	if h.viewState == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "viewstate_disabled"})
		return
	}
	assetID := c.Param("assetID")
	actor, ok := h.actorForAsset(c, assetID)
	if !ok {
		return
	}

	var request viewStatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if actor.UserID != "" {
		h.viewState.Save(viewstate.State{
			UserID:  actor.UserID,
			AssetID: assetID,
			Mode:    request.Mode,
			Preset:  request.Preset,
			LastURL: request.LastURL,
		})
	}
	// Saves are best-effort for members and silently skipped for guests.
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleCapturePage(c *gin.Context) {
	if h.capturer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "capture_disabled"})
		return
	}
	assetID := c.Param("assetID")
	actor, ok := h.actorForAsset(c, assetID)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAnnotation, access.ActionRead) {
		forbid(c)
		return
	}

	var request capturePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	preset, err := geometry.ParsePreset(request.Preset)
	if err != nil {
		preset = geometry.PresetDesktop
	}

	shot, err := h.capturer.CapturePage(c.Request.Context(), request.URL, preset)
	if err != nil {
		if errors.Is(err, faults.ErrScreenshotCapture) {
			// The client falls back to a manual upload.
			c.JSON(http.StatusBadGateway, gin.H{"error": "capture_failed"})
			return
		}
		h.logger.Error("page capture failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capture_failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", shot)
}
