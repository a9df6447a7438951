package annotations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrAnnotationNotFound indicates no annotation exists for the id.
	ErrAnnotationNotFound = errors.New("annotations: annotation not found")
	// ErrAttachmentNotFound indicates no attachment exists for the id.
	ErrAttachmentNotFound = errors.New("annotations: attachment not found")
	noOpLogger            = zap.NewNop()
)

// ServiceError wraps persistence failures with a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "annotations.service.new"
	opCreate           = "annotations.create"
	opGet              = "annotations.get"
	opList             = "annotations.list"
	opUpdate           = "annotations.update"
	opSetStatus        = "annotations.set_status"
	opDelete           = "annotations.delete"
	opAddReply         = "annotations.add_reply"
	opListReplies      = "annotations.list_replies"
	opAddAttachment    = "annotations.add_attachment"
	opGetAttachment    = "annotations.get_attachment"
	opListAttachments  = "annotations.list_attachments"
	reasonQueryFailed  = "query_failed"
	reasonSaveFailed   = "save_failed"
	reasonNotFound     = "not_found"
	reasonInvalidInput = "invalid_input"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the persistence service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the persistence collaborator: the single authoritative store for
// annotations, replies, and attachment records. Sync clients only ever hold a
// cache of what this service returns.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the persistence service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateAnnotation validates and persists a new annotation.
func (s *Service) CreateAnnotation(ctx context.Context, input CreateInput) (Annotation, error) {
	if err := input.Validate(); err != nil {
		s.logError(opCreate, reasonInvalidInput, err, zap.String("asset_id", input.AssetID.String()))
		return Annotation{}, newServiceError(opCreate, reasonInvalidInput, err)
	}

	annotationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Annotation{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	annotation := Annotation{
		ID:         annotationID,
		AssetID:    input.AssetID.String(),
		PageURL:    input.PageURL,
		Status:     StatusOpen,
		Content:    input.Content,
		X:          input.X,
		Y:          input.Y,
		Width:      input.Width,
		Height:     input.Height,
		AuthorID:   input.Authorship.AuthorID,
		GuestName:  input.Authorship.GuestName,
		GuestEmail: input.Authorship.GuestEmail,
		Metadata:   input.Metadata,
		CreatedAtS: now,
		UpdatedAtS: now,
	}

	if err := s.db.WithContext(ctx).Create(&annotation).Error; err != nil {
		s.logError(opCreate, reasonSaveFailed, err, zap.String("asset_id", annotation.AssetID))
		return Annotation{}, newServiceError(opCreate, reasonSaveFailed, err)
	}
	return annotation, nil
}

// GetAnnotation loads a single annotation by id.
func (s *Service) GetAnnotation(ctx context.Context, id AnnotationID) (Annotation, error) {
	var annotation Annotation
	err := s.db.WithContext(ctx).
		Where("annotation_id = ?", id.String()).
		Take(&annotation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Annotation{}, newServiceError(opGet, reasonNotFound, ErrAnnotationNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("annotation_id", id.String()))
		return Annotation{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return annotation, nil
}

// ListAnnotations returns annotations for an asset, newest first, narrowed by
// the optional page url and status filters and paged by limit/offset.
func (s *Service) ListAnnotations(ctx context.Context, assetID AssetID, filter ListFilter) ([]Annotation, error) {
	query := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID.String()).
		Order("created_at_s DESC")
	if filter.PageURL != "" {
		query = query.Where("page_url = ?", filter.PageURL)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var records []Annotation
	if err := query.Find(&records).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("asset_id", assetID.String()))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return records, nil
}

// UpdateAnnotation applies a partial patch and returns the stored result.
// Concurrent updates race; the later write wins.
func (s *Service) UpdateAnnotation(ctx context.Context, id AnnotationID, patch Patch) (Annotation, error) {
	updates := map[string]interface{}{
		"updated_at_s": s.clock().UTC().Unix(),
	}
	if patch.Content != nil {
		updates["content"] = *patch.Content
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.X != nil {
		updates["pos_x"] = *patch.X
	}
	if patch.Y != nil {
		updates["pos_y"] = *patch.Y
	}
	if patch.Width != nil {
		updates["pos_width"] = *patch.Width
	}
	if patch.Height != nil {
		updates["pos_height"] = *patch.Height
	}
	if patch.PageURL != nil {
		updates["page_url"] = *patch.PageURL
	}

	result := s.db.WithContext(ctx).
		Model(&Annotation{}).
		Where("annotation_id = ?", id.String()).
		Updates(updates)
	if result.Error != nil {
		s.logError(opUpdate, reasonSaveFailed, result.Error, zap.String("annotation_id", id.String()))
		return Annotation{}, newServiceError(opUpdate, reasonSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Annotation{}, newServiceError(opUpdate, reasonNotFound, ErrAnnotationNotFound)
	}
	return s.GetAnnotation(ctx, id)
}

// SetStatus transitions an annotation between open and resolved.
func (s *Service) SetStatus(ctx context.Context, id AnnotationID, status Status) (Annotation, error) {
	value := status
	annotation, err := s.UpdateAnnotation(ctx, id, Patch{Status: &value})
	if err != nil {
		return Annotation{}, err
	}
	return annotation, nil
}

// DeleteAnnotation removes the annotation and cascades its replies and
// attachment records in one transaction.
func (s *Service) DeleteAnnotation(ctx context.Context, id AnnotationID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("annotation_id = ?", id.String()).Delete(&Annotation{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAnnotationNotFound
		}
		if err := tx.Where("annotation_id = ?", id.String()).Delete(&Reply{}).Error; err != nil {
			return err
		}
		return tx.Where("annotation_id = ?", id.String()).Delete(&Attachment{}).Error
	})
	if errors.Is(txErr, ErrAnnotationNotFound) {
		return newServiceError(opDelete, reasonNotFound, ErrAnnotationNotFound)
	}
	if txErr != nil {
		s.logError(opDelete, reasonSaveFailed, txErr, zap.String("annotation_id", id.String()))
		return newServiceError(opDelete, reasonSaveFailed, txErr)
	}
	return nil
}

// AddReply validates and persists a reply under an existing annotation.
func (s *Service) AddReply(ctx context.Context, annotationID AnnotationID, input ReplyInput) (Reply, error) {
	if err := input.Validate(); err != nil {
		s.logError(opAddReply, reasonInvalidInput, err, zap.String("annotation_id", annotationID.String()))
		return Reply{}, newServiceError(opAddReply, reasonInvalidInput, err)
	}

	if _, err := s.GetAnnotation(ctx, annotationID); err != nil {
		return Reply{}, err
	}

	replyID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddReply, "id_generation_failed", err)
		return Reply{}, newServiceError(opAddReply, "id_generation_failed", err)
	}

	reply := Reply{
		ID:           replyID,
		AnnotationID: annotationID.String(),
		Content:      input.Content,
		AuthorID:     input.Authorship.AuthorID,
		GuestName:    input.Authorship.GuestName,
		GuestEmail:   input.Authorship.GuestEmail,
		CreatedAtS:   s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&reply).Error; err != nil {
		s.logError(opAddReply, reasonSaveFailed, err, zap.String("annotation_id", annotationID.String()))
		return Reply{}, newServiceError(opAddReply, reasonSaveFailed, err)
	}
	return reply, nil
}

// ListReplies returns the replies of an annotation, oldest first.
func (s *Service) ListReplies(ctx context.Context, annotationID AnnotationID) ([]Reply, error) {
	var replies []Reply
	if err := s.db.WithContext(ctx).
		Where("annotation_id = ?", annotationID.String()).
		Order("created_at_s ASC").
		Find(&replies).Error; err != nil {
		s.logError(opListReplies, reasonQueryFailed, err, zap.String("annotation_id", annotationID.String()))
		return nil, newServiceError(opListReplies, reasonQueryFailed, err)
	}
	return replies, nil
}

// AddAttachment records an uploaded file for an annotation or reply.
func (s *Service) AddAttachment(ctx context.Context, attachment Attachment) (Attachment, error) {
	annotationID, err := NewAnnotationID(attachment.AnnotationID)
	if err != nil {
		return Attachment{}, newServiceError(opAddAttachment, reasonInvalidInput, err)
	}
	if _, err := s.GetAnnotation(ctx, annotationID); err != nil {
		return Attachment{}, err
	}

	if attachment.ID == "" {
		attachmentID, idErr := s.idProvider.NewID()
		if idErr != nil {
			s.logError(opAddAttachment, "id_generation_failed", idErr)
			return Attachment{}, newServiceError(opAddAttachment, "id_generation_failed", idErr)
		}
		attachment.ID = attachmentID
	}
	attachment.CreatedAtS = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		s.logError(opAddAttachment, reasonSaveFailed, err, zap.String("annotation_id", attachment.AnnotationID))
		return Attachment{}, newServiceError(opAddAttachment, reasonSaveFailed, err)
	}
	return attachment, nil
}

// SetAttachmentObjectKey records where the attachment payload was stored once
// the upload completes.
func (s *Service) SetAttachmentObjectKey(ctx context.Context, attachmentID, objectKey string) (Attachment, error) {
	result := s.db.WithContext(ctx).
		Model(&Attachment{}).
		Where("attachment_id = ?", attachmentID).
		Update("object_key", objectKey)
	if result.Error != nil {
		s.logError(opAddAttachment, reasonSaveFailed, result.Error, zap.String("attachment_id", attachmentID))
		return Attachment{}, newServiceError(opAddAttachment, reasonSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Attachment{}, newServiceError(opAddAttachment, reasonNotFound, ErrAttachmentNotFound)
	}
	return s.GetAttachment(ctx, attachmentID)
}

// GetAttachment loads a single attachment record by id.
func (s *Service) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var attachment Attachment
	err := s.db.WithContext(ctx).
		Where("attachment_id = ?", attachmentID).
		Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Attachment{}, newServiceError(opGetAttachment, reasonNotFound, ErrAttachmentNotFound)
	}
	if err != nil {
		s.logError(opGetAttachment, reasonQueryFailed, err, zap.String("attachment_id", attachmentID))
		return Attachment{}, newServiceError(opGetAttachment, reasonQueryFailed, err)
	}
	return attachment, nil
}

// ListAttachments returns attachment records for an annotation.
func (s *Service) ListAttachments(ctx context.Context, annotationID AnnotationID) ([]Attachment, error) {
	var attachments []Attachment
	if err := s.db.WithContext(ctx).
		Where("annotation_id = ?", annotationID.String()).
		Order("created_at_s ASC").
		Find(&attachments).Error; err != nil {
		s.logError(opListAttachments, reasonQueryFailed, err, zap.String("annotation_id", annotationID.String()))
		return nil, newServiceError(opListAttachments, reasonQueryFailed, err)
	}
	return attachments, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("annotations service error", attrs...)
}
