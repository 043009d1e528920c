package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one stored setting.
type Entry struct {
	Key       string    `gorm:"column:name;primaryKey;size:128"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing settings.
func (Entry) TableName() string {
	return "settings"
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database *gorm.DB
	// Defaults are returned by Load while nothing is stored.
	Defaults Settings
	Logger   *zap.Logger
}

// Service is the key-value settings store.
type Service struct {
	db       *gorm.DB
	defaults Settings
	logger   *zap.Logger
}

// NewService constructs the settings service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("settings: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, defaults: cfg.Defaults, logger: logger}, nil
}

// Get decodes the JSON value stored under key into out. It reports false when
// the key is missing.
func (s *Service) Get(ctx context.Context, key string, out any) (bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("name = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logger.Error("settings read failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("settings: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(entry.Value), out); err != nil {
		return false, fmt.Errorf("settings: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value as JSON under key.
func (s *Service) Set(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	entry := Entry{Key: key, Value: string(encoded)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		s.logger.Error("settings write failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// Load returns the stored settings or the defaults.
func (s *Service) Load(ctx context.Context) (Settings, error) {
	stored := s.defaults
	if _, err := s.Get(ctx, Key, &stored); err != nil {
		return Settings{}, err
	}
	return stored, nil
}

// Save validates and stores settings.
func (s *Service) Save(ctx context.Context, value Settings) error {
	if err := value.Validate(); err != nil {
		return err
	}
	return s.Set(ctx, Key, value)
}

// Update loads the current settings, applies change and saves the result.
func (s *Service) Update(ctx context.Context, change func(*Settings)) (Settings, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	change(&current)
	if err := s.Save(ctx, current); err != nil {
		return Settings{}, err
	}
	return current, nil
}
