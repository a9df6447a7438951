package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/pinpointhq/pinpoint/backend/internal/access"
)

// ErrInvalidIdentity indicates the session or guest parameters did not contain
// a usable identity.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// SessionProfile carries the validated fields of a session token.
type SessionProfile struct {
	UserID      string
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies for collaborator resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session profiles and guest credentials into actors with a
// role on a specific asset.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the resolver service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveMember returns the actor for an authenticated user on the asset. The
// first user seen on an asset becomes its owner; later users join as viewers
// until an owner changes their role.
func (s *Service) ResolveMember(assetID string, profile SessionProfile) (access.Actor, error) {
	userID := normalize(profile.UserID)
	if userID == "" || normalize(assetID) == "" {
		return access.Actor{}, ErrInvalidIdentity
	}

	cacheKey := assetID + ":" + userID
	if cached, ok := s.cache.Load(cacheKey); ok {
		if role, ok := cached.(access.Role); ok {
			return access.Actor{UserID: userID, Role: role}, nil
		}
	}

	var collaborator Collaborator
	err := s.db.
		Where("asset_id = ? AND user_id = ?", assetID, userID).
		First(&collaborator).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		role := access.RoleViewer
		if s.assetHasNoCollaborators(assetID) {
			role = access.RoleOwner
		}
		collaborator = Collaborator{
			AssetID:     assetID,
			UserID:      userID,
			Email:       normalize(profile.Email),
			DisplayName: normalize(profile.DisplayName),
			Role:        string(role),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&collaborator).Error; err != nil {
			return access.Actor{}, err
		}
	} else if err != nil {
		return access.Actor{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(profile.Email); email != "" && email != collaborator.Email {
			updates["user_email"] = email
		}
		if display := normalize(profile.DisplayName); display != "" && display != collaborator.DisplayName {
			updates["user_display_name"] = display
		}
		_ = s.db.Model(&Collaborator{}).
			Where("asset_id = ? AND user_id = ?", assetID, userID).
			Updates(updates).
			Error
	}

	role := access.Normalize(collaborator.Role)
	s.cache.Store(cacheKey, role)
	return access.Actor{UserID: userID, Role: role}, nil
}

// SetRole updates a collaborator's role and invalidates the cached binding.
func (s *Service) SetRole(assetID, userID string, role access.Role) error {
	result := s.db.Model(&Collaborator{}).
		Where("asset_id = ? AND user_id = ?", assetID, userID).
		Update("role", string(role))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidIdentity
	}
	s.cache.Store(assetID+":"+userID, role)
	return nil
}

// ListCollaborators returns every collaborator bound to the asset.
func (s *Service) ListCollaborators(assetID string) ([]Collaborator, error) {
	var collaborators []Collaborator
	err := s.db.
		Where("asset_id = ?", assetID).
		Order("created_at ASC").
		Find(&collaborators).
		Error
	if err != nil {
		return nil, err
	}
	return collaborators, nil
}

// ResolveGuest validates the share token shape and produces a guest actor. The
// token grants access to the asset it was minted for; binding the token to an
// asset happens at the transport layer.
func (s *Service) ResolveGuest(shareToken, guestName string) (access.Actor, error) {
	if err := access.ValidateShareToken(shareToken); err != nil {
		return access.Actor{}, err
	}
	name := normalize(guestName)
	if name == "" {
		return access.Actor{}, ErrInvalidIdentity
	}
	return access.Actor{GuestName: name, Role: access.RoleGuest}, nil
}

func (s *Service) assetHasNoCollaborators(assetID string) bool {
	var count int64
	if err := s.db.Model(&Collaborator{}).Where("asset_id = ?", assetID).Count(&count).Error; err != nil {
		return false
	}
	return count == 0
}
