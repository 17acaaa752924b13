package accounts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/auth"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the session did not carry a usable identifier.
	ErrInvalidIdentity = errors.New("accounts: invalid identity")
	// ErrDeletionFailed indicates the deletion cascade was rolled back.
	ErrDeletionFailed = errors.New("accounts: account deletion failed")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opServiceNew = "accounts.service.new"
	opResolve    = "accounts.resolve"
	opDelete     = "accounts.delete"

	defaultProvider = "default"
)

// IdentityDeleter removes the account from the external identity provider.
type IdentityDeleter interface {
	DeleteIdentity(ctx context.Context, userID string) error
}

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IdentityDeleter IdentityDeleter
	Logger          *zap.Logger
}

// Service resolves canonical account ids and runs the deletion cascade.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	identities IdentityDeleter
	reporter   serviceerr.Reporter
	cache      sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		identities: cfg.IdentityDeleter,
		reporter:   serviceerr.NewReporter(cfg.Logger, "accounts"),
	}, nil
}

// ResolveUserID returns the canonical account id for the session. The first sighting of a
// provider+subject pair records the identity and opens an empty marketplace profile; the plan
// ledger is opened lazily by billing. Subjects from different providers never share an account.
func (s *Service) ResolveUserID(ctx context.Context, session auth.Session) (string, error) {
	provider, subject := deriveProviderSubject(session.UserID)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      canonicalUserID(provider, subject),
			DisplayName: normalize(session.DisplayName),
			LastSeenAt:  s.now(),
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
				return err
			}
			profile := marketplace.Profile{UserID: identity.UserID, DisplayName: identity.DisplayName}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&profile).Error
		})
		if err != nil {
			return "", s.reporter.Fail(opResolve, "identity_create_failed", err)
		}
	case err != nil:
		return "", s.reporter.Fail(opResolve, "identity_lookup_failed", err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(session.DisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) evict(userID string) {
	s.cache.Range(func(key, value any) bool {
		if cached, ok := value.(string); ok && cached == userID {
			s.cache.Delete(key)
		}
		return true
	})
}

// canonicalUserID keeps bare session ids as they are and namespaces provider subjects.
func canonicalUserID(provider, subject string) string {
	if provider == defaultProvider {
		return subject
	}
	return provider + ":" + subject
}

// deriveProviderSubject splits "provider:subject" session ids; bare ids use the default provider.
func deriveProviderSubject(raw string) (string, string) {
	raw = normalize(raw)
	if strings.Contains(raw, ":") {
		segments := strings.SplitN(raw, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			return normalize(segments[0]), normalize(segments[1])
		}
	}
	return defaultProvider, raw
}
