package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrInvalidCredentials indicates an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrInvalidAccount indicates an unusable username or password.
	ErrInvalidAccount = errors.New("users: invalid account")
)

const minPasswordLength = 8

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Cost     int
}

// Service manages server accounts and verifies credentials.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cost  int
	cache sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cost:  cost,
		cache: sync.Map{},
	}, nil
}

// SetPassword creates the account or replaces its password.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	username = normalize(username)
	if username == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidAccount)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password shorter than %d characters", ErrInvalidAccount, minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return err
	}
	account := Account{Username: username, PasswordHash: string(hash), LastSeenAt: s.now()}
	err = s.db.WithContext(ctx).
		Where(Account{Username: username}).
		Assign(Account{PasswordHash: account.PasswordHash}).
		FirstOrCreate(&account).
		Error
	if err != nil {
		return err
	}
	s.cache.Delete(username)
	return nil
}

// Authenticate verifies the credentials and returns the canonical username.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, error) {
	username = normalize(username)
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	hash, ok := s.cachedHash(username)
	if !ok {
		var account Account
		err := s.db.WithContext(ctx).Where("username = ?", username).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrInvalidCredentials
		}
		if err != nil {
			return "", err
		}
		hash = account.PasswordHash
		s.cache.Store(username, hash)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	_ = s.db.WithContext(ctx).
		Model(&Account{}).
		Where("username = ?", username).
		Update("last_seen_at", s.now()).
		Error
	return username, nil
}

// Count returns the number of accounts.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Account{}).Count(&count).Error
	return count, err
}

func (s *Service) cachedHash(username string) (string, bool) {
	cached, ok := s.cache.Load(username)
	if !ok {
		return "", false
	}
	hash, ok := cached.(string)
	return hash, ok
}
