package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims to canonical numeric uids.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveUID returns the uid for the provided session claims, creating the account on first
// sight of a provider+subject pair.
func (s *Service) ResolveUID(ctx context.Context, claims auth.SessionClaims) (int64, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return 0, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if uid, ok := cached.(int64); ok {
			return uid, nil
		}
	}

	var uid int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity Identity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND subject = ?", provider, subject).
			Take(&identity).
			Error
		if err == nil {
			uid = identity.UID
			return tx.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Update("last_seen_at", s.now()).
				Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		user := User{
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		uid = user.UID
		return tx.Create(&Identity{
			Provider:   provider,
			Subject:    subject,
			UID:        user.UID,
			LastSeenAt: s.now(),
		}).Error
	})
	if err != nil {
		return 0, err
	}

	s.cache.Store(cacheKey, uid)
	return uid, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
