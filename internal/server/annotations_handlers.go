package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/access"
	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
)

const maxAttachmentBytes = 16 << 20

type annotationRequestPayload struct {
	PageURL    string  `json:"pageUrl"`
	Content    string  `json:"content"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	GuestEmail string  `json:"guestEmail"`
	Metadata   string  `json:"metadata"`
}

type annotationPatchPayload struct {
	Content *string  `json:"content"`
	Status  *string  `json:"status"`
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
	Width   *float64 `json:"width"`
	Height  *float64 `json:"height"`
	PageURL *string  `json:"pageUrl"`
}

type replyRequestPayload struct {
	Content    string `json:"content"`
	GuestEmail string `json:"guestEmail"`
}

type bulkRequestPayload struct {
	Action        string   `json:"action"`
	AnnotationIDs []string `json:"annotationIds"`
}

type bulkResponsePayload struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

// authorshipFor maps the resolved actor onto persisted authorship fields.
func authorshipFor(actor access.Actor, guestEmail string) annotations.Authorship {
	if actor.Role == access.RoleGuest {
		return annotations.Authorship{GuestName: actor.GuestName, GuestEmail: strings.TrimSpace(guestEmail)}
	}
	return annotations.Authorship{AuthorID: actor.UserID}
}

func (h *httpHandler) handleListAnnotations(c *gin.Context) {
	assetID, err := annotations.NewAssetID(c.Param("assetID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset_id"})
		return
	}
	actor, ok := h.actorForAsset(c, assetID.String())
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAnnotation, access.ActionRead) {
		forbid(c)
		return
	}

	filter := annotations.ListFilter{PageURL: c.Query("page_url")}
	if raw := c.Query("status"); raw != "" {
		status, err := annotations.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		filter.Status = status
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	records, err := h.annotations.ListAnnotations(c.Request.Context(), assetID, filter)
	if err != nil {
		h.logger.Error("annotation listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"annotations": records})
}

func (h *httpHandler) handleCreateAnnotation(c *gin.Context) {
	assetID, err := annotations.NewAssetID(c.Param("assetID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset_id"})
		return
	}
	actor, ok := h.actorForAsset(c, assetID.String())
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAnnotation, access.ActionCreate) {
		forbid(c)
		return
	}

	var request annotationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.annotations.CreateAnnotation(c.Request.Context(), annotations.CreateInput{
		AssetID:    assetID,
		PageURL:    request.PageURL,
		Content:    request.Content,
		X:          request.X,
		Y:          request.Y,
		Width:      request.Width,
		Height:     request.Height,
		Authorship: authorshipFor(actor, request.GuestEmail),
		Metadata:   request.Metadata,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishMutation(c.Request.Context(), realtime.Event{
		Type:         realtime.EventAnnotationCreated,
		AssetID:      assetID.String(),
		AnnotationID: created.ID,
		Annotation:   &created,
	})
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleGetAnnotation(c *gin.Context) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAnnotation, access.ActionRead) {
		forbid(c)
		return
	}
	c.JSON(http.StatusOK, annotation)
}

func (h *httpHandler) handleUpdateAnnotation(c *gin.Context) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !h.canMutate(actor, annotation) {
		forbid(c)
		return
	}

	var request annotationPatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	patch := annotations.Patch{
		Content: request.Content,
		X:       request.X,
		Y:       request.Y,
		Width:   request.Width,
		Height:  request.Height,
		PageURL: request.PageURL,
	}
	if request.Status != nil {
		status, err := annotations.ParseStatus(*request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		patch.Status = &status
	}

	annotationID, _ := annotations.NewAnnotationID(annotation.ID)
	updated, err := h.annotations.UpdateAnnotation(c.Request.Context(), annotationID, patch)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishMutation(c.Request.Context(), realtime.Event{
		Type:         realtime.EventAnnotationUpdated,
		AssetID:      updated.AssetID,
		AnnotationID: updated.ID,
		Annotation:   &updated,
	})
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDeleteAnnotation(c *gin.Context) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !h.canDelete(actor, annotation) {
		forbid(c)
		return
	}

	annotationID, _ := annotations.NewAnnotationID(annotation.ID)
	if err := h.annotations.DeleteAnnotation(c.Request.Context(), annotationID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishMutation(c.Request.Context(), realtime.Event{
		Type:         realtime.EventAnnotationDeleted,
		AssetID:      annotation.AssetID,
		AnnotationID: annotation.ID,
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResolveAnnotation(c *gin.Context) {
	h.setAnnotationStatus(c, annotations.StatusResolved)
}

func (h *httpHandler) handleReopenAnnotation(c *gin.Context) {
	h.setAnnotationStatus(c, annotations.StatusOpen)
}

func (h *httpHandler) setAnnotationStatus(c *gin.Context, status annotations.Status) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !h.canMutate(actor, annotation) {
		forbid(c)
		return
	}

	annotationID, _ := annotations.NewAnnotationID(annotation.ID)
	updated, err := h.annotations.SetStatus(c.Request.Context(), annotationID, status)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishMutation(c.Request.Context(), realtime.Event{
		Type:         realtime.EventAnnotationUpdated,
		AssetID:      updated.AssetID,
		AnnotationID: updated.ID,
		Annotation:   &updated,
	})
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleListReplies(c *gin.Context) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceReply, access.ActionRead) {
		forbid(c)
		return
	}

	annotationID, _ := annotations.NewAnnotationID(annotation.ID)
	replies, err := h.annotations.ListReplies(c.Request.Context(), annotationID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

func (h *httpHandler) handleCreateReply(c *gin.Context) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceReply, access.ActionCreate) {
		forbid(c)
		return
	}

	var request replyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	annotationID, _ := annotations.NewAnnotationID(annotation.ID)
	reply, err := h.annotations.AddReply(c.Request.Context(), annotationID, annotations.ReplyInput{
		Content:    request.Content,
		Authorship: authorshipFor(actor, request.GuestEmail),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishMutation(c.Request.Context(), realtime.Event{
		Type:         realtime.EventReplyCreated,
		AssetID:      annotation.AssetID,
		AnnotationID: annotation.ID,
		Reply:        &reply,
	})
	c.JSON(http.StatusCreated, reply)
}

func (h *httpHandler) handleBulkAnnotations(c *gin.Context) {
	assetID, err := annotations.NewAssetID(c.Param("assetID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset_id"})
		return
	}
	actor, ok := h.actorForAsset(c, assetID.String())
	if !ok {
		return
	}

	var request bulkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.AnnotationIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action := strings.ToLower(strings.TrimSpace(request.Action))
	if action != "resolve" && action != "delete" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}

	// Each target is processed independently; one failure never aborts the
	// rest of the batch.
	response := bulkResponsePayload{}
	for _, rawID := range request.AnnotationIDs {
		if err := h.applyBulkAction(c, actor, assetID.String(), action, rawID); err != nil {
			response.Failed++
			response.FailedIDs = append(response.FailedIDs, rawID)
			continue
		}
		response.Succeeded++
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) applyBulkAction(c *gin.Context, actor access.Actor, assetID, action, rawID string) error {
	annotationID, err := annotations.NewAnnotationID(rawID)
	if err != nil {
		return err
	}
	annotation, err := h.annotations.GetAnnotation(c.Request.Context(), annotationID)
	if err != nil {
		return err
	}
	if annotation.AssetID != assetID {
		return annotations.ErrAnnotationNotFound
	}

	switch action {
	case "resolve":
		if !h.canMutate(actor, annotation) {
			return errForbidden
		}
		updated, err := h.annotations.SetStatus(c.Request.Context(), annotationID, annotations.StatusResolved)
		if err != nil {
			return err
		}
		h.publishMutation(c.Request.Context(), realtime.Event{
			Type:         realtime.EventAnnotationUpdated,
			AssetID:      updated.AssetID,
			AnnotationID: updated.ID,
			Annotation:   &updated,
		})
	case "delete":
		if !h.canDelete(actor, annotation) {
			return errForbidden
		}
		if err := h.annotations.DeleteAnnotation(c.Request.Context(), annotationID); err != nil {
			return err
		}
		h.publishMutation(c.Request.Context(), realtime.Event{
			Type:         realtime.EventAnnotationDeleted,
			AssetID:      annotation.AssetID,
			AnnotationID: annotation.ID,
		})
	}
	return nil
}

func (h *httpHandler) handleListAttachments(c *gin.Context) {
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAttachment, access.ActionRead) {
		forbid(c)
		return
	}

	annotationID, _ := annotations.NewAnnotationID(annotation.ID)
	attachments, err := h.annotations.ListAttachments(c.Request.Context(), annotationID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments})
}

func (h *httpHandler) handleUploadAttachment(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "attachments_disabled"})
		return
	}
	annotation, actor, ok := h.loadAnnotation(c)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAttachment, access.ActionUpload) {
		forbid(c)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil || fileHeader.Size <= 0 || fileHeader.Size > maxAttachmentBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(io.LimitReader(file, maxAttachmentBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	record, err := h.annotations.AddAttachment(c.Request.Context(), annotations.Attachment{
		AnnotationID: annotation.ID,
		ReplyID:      c.Query("reply_id"),
		FileName:     fileHeader.Filename,
		ContentType:  contentType,
		SizeBytes:    int64(len(payload)),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	objectKey := fmt.Sprintf("%s/%s/%s", annotation.AssetID, annotation.ID, record.ID)
	if err := h.attachments.Put(c.Request.Context(), objectKey, contentType, payload); err != nil {
		h.logger.Error("attachment upload failed", zap.String("object_key", objectKey), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed"})
		return
	}
	record.ObjectKey = objectKey
	if updated, err := h.annotations.SetAttachmentObjectKey(c.Request.Context(), record.ID, objectKey); err == nil {
		record = updated
	}

	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleDownloadAttachment(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "attachments_disabled"})
		return
	}
	record, err := h.annotations.GetAttachment(c.Request.Context(), c.Param("attachmentID"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	annotationID, err := annotations.NewAnnotationID(record.AnnotationID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	annotation, err := h.annotations.GetAnnotation(c.Request.Context(), annotationID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	actor, ok := h.actorForAsset(c, annotation.AssetID)
	if !ok {
		return
	}
	if !access.Can(actor.Role, access.ResourceAttachment, access.ActionRead) {
		forbid(c)
		return
	}

	payload, err := h.attachments.Get(c.Request.Context(), record.ObjectKey)
	if err != nil {
		h.logger.Error("attachment download failed", zap.String("object_key", record.ObjectKey), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "download_failed"})
		return
	}
	contentType := record.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, payload)
}

var errForbidden = errors.New("server: forbidden")

// loadAnnotation resolves the route annotation and the caller's actor for its
// asset. Responses are already written on failure.
func (h *httpHandler) loadAnnotation(c *gin.Context) (annotations.Annotation, access.Actor, bool) {
	annotationID, err := annotations.NewAnnotationID(c.Param("annotationID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_annotation_id"})
		return annotations.Annotation{}, access.Actor{}, false
	}
	annotation, err := h.annotations.GetAnnotation(c.Request.Context(), annotationID)
	if err != nil {
		h.respondServiceError(c, err)
		return annotations.Annotation{}, access.Actor{}, false
	}
	actor, ok := h.actorForAsset(c, annotation.AssetID)
	if !ok {
		return annotations.Annotation{}, access.Actor{}, false
	}
	return annotation, actor, true
}

func (h *httpHandler) canMutate(actor access.Actor, annotation annotations.Annotation) bool {
	return access.Can(actor.Role, access.ResourceAnnotation, access.ActionUpdate) &&
		access.CanMutateAnnotation(actor, access.Authorship{
			AuthorID:  annotation.AuthorID,
			GuestName: annotation.GuestName,
		})
}

func (h *httpHandler) canDelete(actor access.Actor, annotation annotations.Annotation) bool {
	return access.Can(actor.Role, access.ResourceAnnotation, access.ActionDelete) &&
		access.CanMutateAnnotation(actor, access.Authorship{
			AuthorID:  annotation.AuthorID,
			GuestName: annotation.GuestName,
		})
}

// respondServiceError maps domain errors onto transport codes.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, annotations.ErrAnnotationNotFound),
		errors.Is(err, annotations.ErrAttachmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, annotations.ErrEmptyContent),
		errors.Is(err, annotations.ErrInvalidAuthorship),
		errors.Is(err, annotations.ErrInvalidGuestEmail),
		errors.Is(err, annotations.ErrInvalidAnnotationID),
		errors.Is(err, annotations.ErrInvalidAssetID),
		errors.Is(err, annotations.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("annotation operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation_failed"})
	}
}
