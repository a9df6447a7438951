package annotations

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the annotation lifecycle states.
type Status string

const (
	// StatusOpen marks an annotation awaiting resolution.
	StatusOpen Status = "OPEN"
	// StatusResolved marks an annotation whose thread is settled.
	StatusResolved Status = "RESOLVED"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidAnnotationID indicates an annotation identifier is empty or exceeds storage bounds.
	ErrInvalidAnnotationID = errors.New("annotations: invalid annotation id")
	// ErrInvalidAssetID indicates an asset identifier is empty or exceeds storage bounds.
	ErrInvalidAssetID = errors.New("annotations: invalid asset id")
	// ErrInvalidStatus indicates an unknown annotation status value.
	ErrInvalidStatus = errors.New("annotations: invalid status")
	// ErrInvalidAuthorship indicates the author/guest fields are not exactly one form.
	ErrInvalidAuthorship = errors.New("annotations: exactly one of author id or guest name must be set")
	// ErrInvalidGuestEmail indicates a malformed guest email address.
	ErrInvalidGuestEmail = errors.New("annotations: invalid guest email")
	// ErrEmptyContent indicates missing comment text.
	ErrEmptyContent = errors.New("annotations: content is required")
)

// AnnotationID represents a validated annotation identifier.
type AnnotationID string

// NewAnnotationID validates raw input and returns an AnnotationID.
func NewAnnotationID(rawInput string) (AnnotationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAnnotationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAnnotationID, maxIdentifierLength)
	}
	return AnnotationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AnnotationID) String() string {
	return string(id)
}

// AssetID represents a validated asset identifier.
type AssetID string

// NewAssetID validates raw input and returns an AssetID.
func NewAssetID(rawInput string) (AssetID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAssetID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAssetID, maxIdentifierLength)
	}
	return AssetID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AssetID) String() string {
	return string(id)
}

// ParseStatus validates a raw status value.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case StatusOpen:
		return StatusOpen, nil
	case StatusResolved:
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// Annotation models a positioned comment persisted for an asset. Position
// coordinates are absolute pixels within the viewport preset active when the
// annotation was created.
type Annotation struct {
	ID          string  `gorm:"column:annotation_id;primaryKey;size:190;not null" json:"id"`
	AssetID     string  `gorm:"column:asset_id;size:190;not null;index:idx_annotations_asset_created,priority:1" json:"assetId"`
	PageURL     string  `gorm:"column:page_url;size:2048;not null;default:''" json:"pageUrl"`
	Status      Status  `gorm:"column:status;size:16;not null;default:'OPEN'" json:"status"`
	Content     string  `gorm:"column:content;type:text;not null" json:"content"`
	X           float64 `gorm:"column:pos_x;not null" json:"x"`
	Y           float64 `gorm:"column:pos_y;not null" json:"y"`
	Width       float64 `gorm:"column:pos_width;not null;default:0" json:"width,omitempty"`
	Height      float64 `gorm:"column:pos_height;not null;default:0" json:"height,omitempty"`
	AuthorID    string  `gorm:"column:author_id;size:190;not null;default:''" json:"authorId,omitempty"`
	GuestName   string  `gorm:"column:guest_name;size:320;not null;default:''" json:"guestName,omitempty"`
	GuestEmail  string  `gorm:"column:guest_email;size:320;not null;default:''" json:"guestEmail,omitempty"`
	Metadata    string  `gorm:"column:metadata_json;type:text;not null;default:''" json:"metadata,omitempty"`
	CreatedAtS  int64   `gorm:"column:created_at_s;not null;index:idx_annotations_asset_created,priority:2" json:"createdAtS"`
	UpdatedAtS  int64   `gorm:"column:updated_at_s;not null" json:"updatedAtS"`
}

// TableName provides the explicit table binding for GORM.
func (Annotation) TableName() string {
	return "annotations"
}

// IsGuestAuthored reports whether the annotation was written by a guest.
func (a Annotation) IsGuestAuthored() bool {
	return a.GuestName != ""
}

// Reply models a threaded comment under an annotation.
type Reply struct {
	ID           string `gorm:"column:reply_id;primaryKey;size:190;not null" json:"id"`
	AnnotationID string `gorm:"column:annotation_id;size:190;not null;index" json:"annotationId"`
	Content      string `gorm:"column:content;type:text;not null" json:"content"`
	AuthorID     string `gorm:"column:author_id;size:190;not null;default:''" json:"authorId,omitempty"`
	GuestName    string `gorm:"column:guest_name;size:320;not null;default:''" json:"guestName,omitempty"`
	GuestEmail   string `gorm:"column:guest_email;size:320;not null;default:''" json:"guestEmail,omitempty"`
	CreatedAtS   int64  `gorm:"column:created_at_s;not null" json:"createdAtS"`
}

// TableName provides the explicit table binding for GORM.
func (Reply) TableName() string {
	return "annotation_replies"
}

// Attachment records an uploaded file tied to an annotation or one of its
// replies. The bytes live in object storage under ObjectKey.
type Attachment struct {
	ID           string `gorm:"column:attachment_id;primaryKey;size:190;not null" json:"id"`
	AnnotationID string `gorm:"column:annotation_id;size:190;not null;index" json:"annotationId"`
	ReplyID      string `gorm:"column:reply_id;size:190;not null;default:''" json:"replyId,omitempty"`
	ObjectKey    string `gorm:"column:object_key;size:512;not null" json:"objectKey"`
	FileName     string `gorm:"column:file_name;size:512;not null" json:"fileName"`
	ContentType  string `gorm:"column:content_type;size:190;not null;default:''" json:"contentType,omitempty"`
	SizeBytes    int64  `gorm:"column:size_bytes;not null;default:0" json:"sizeBytes"`
	CreatedAtS   int64  `gorm:"column:created_at_s;not null" json:"createdAtS"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "annotation_attachments"
}

// Authorship carries the mutually exclusive author fields supplied on create.
type Authorship struct {
	AuthorID   string
	GuestName  string
	GuestEmail string
}

func (a Authorship) validate() error {
	hasAuthor := strings.TrimSpace(a.AuthorID) != ""
	hasGuest := strings.TrimSpace(a.GuestName) != ""
	if hasAuthor == hasGuest {
		return ErrInvalidAuthorship
	}
	if hasGuest && a.GuestEmail != "" && !looksLikeEmail(a.GuestEmail) {
		return fmt.Errorf("%w: %q", ErrInvalidGuestEmail, a.GuestEmail)
	}
	return nil
}

func looksLikeEmail(value string) bool {
	at := strings.Index(value, "@")
	if at <= 0 || at == len(value)-1 {
		return false
	}
	domain := value[at+1:]
	return strings.Contains(domain, ".") && !strings.ContainsAny(value, " \t")
}

// CreateInput describes a new annotation supplied by a client.
type CreateInput struct {
	AssetID    AssetID
	PageURL    string
	Content    string
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Authorship Authorship
	Metadata   string
}

// Validate checks the input invariants before persistence.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	return in.Authorship.validate()
}

// ReplyInput describes a new reply supplied by a client.
type ReplyInput struct {
	Content    string
	Authorship Authorship
}

// Validate checks the input invariants before persistence.
func (in ReplyInput) Validate() error {
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	return in.Authorship.validate()
}

// Patch carries the mutable annotation fields for an update. Nil members are
// left untouched.
type Patch struct {
	Content *string
	Status  *Status
	X       *float64
	Y       *float64
	Width   *float64
	Height  *float64
	PageURL *string
}

// ListFilter narrows and pages an annotation listing.
type ListFilter struct {
	PageURL string
	Status  Status
	Limit   int
	Offset  int
}
