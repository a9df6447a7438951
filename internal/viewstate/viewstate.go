package viewstate

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pinpointhq/pinpoint/backend/internal/geometry"
)

// Mode distinguishes browsing annotations from placing new ones.
type Mode string

const (
	ModeBrowse  Mode = "browse"
	ModeComment Mode = "comment"
)

// State is the per-user, per-asset view snapshot restored on the next visit.
// Losing it costs nothing but a default view, so saves are best-effort.
type State struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	AssetID   string    `gorm:"column:asset_id;primaryKey;size:190;not null"`
	Mode      string    `gorm:"column:mode;size:32;not null"`
	Preset    string    `gorm:"column:preset;size:32;not null"`
	LastURL   string    `gorm:"column:last_url;size:2048"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing view state snapshots.
func (State) TableName() string {
	return "view_states"
}

// ServiceConfig describes the dependencies for view state persistence.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service saves and restores view state snapshots.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the view state service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("viewstate: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Save upserts the snapshot. Failures are logged and swallowed; view state
// must never break the editing flow.
func (s *Service) Save(state State) {
	if state.UserID == "" || state.AssetID == "" {
		return
	}
	if state.Mode == "" {
		state.Mode = string(ModeBrowse)
	}
	if _, err := geometry.ParsePreset(state.Preset); err != nil {
		state.Preset = string(geometry.PresetDesktop)
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "asset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"mode", "preset", "last_url", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		s.logger.Warn("view state save failed",
			zap.String("user_id", state.UserID),
			zap.String("asset_id", state.AssetID),
			zap.Error(err))
	}
}

// Load returns the stored snapshot, or a default browse/desktop state when
// none exists or the read fails.
func (s *Service) Load(userID, assetID string) State {
	fallback := State{
		UserID:  userID,
		AssetID: assetID,
		Mode:    string(ModeBrowse),
		Preset:  string(geometry.PresetDesktop),
	}

	var state State
	err := s.db.
		Where("user_id = ? AND asset_id = ?", userID, assetID).
		First(&state).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback
	}
	if err != nil {
		s.logger.Warn("view state load failed",
			zap.String("user_id", userID),
			zap.String("asset_id", assetID),
			zap.Error(err))
		return fallback
	}
	return state
}
