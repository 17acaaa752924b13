package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type deletionStep struct {
	name string
	run  func(tx *gorm.DB, userID string) error
}

// ownedJobs selects the ids of jobs the account posted, as a subquery.
func ownedJobs(tx *gorm.DB, userID string) *gorm.DB {
	return tx.Session(&gorm.Session{NewDB: true}).Model(&marketplace.Job{}).Select("id").Where("owner_id = ?", userID)
}

// Orders are kept: they are shared with the counterparty and never physically deleted.
var deletionSteps = []deletionStep{
	{name: "profile_gallery", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&marketplace.ProfileGalleryItem{}).Error
	}},
	{name: "profile_categories", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&marketplace.ProfileCategory{}).Error
	}},
	{name: "reviews", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("author_id = ? OR subject_id = ?", userID, userID).Delete(&marketplace.Review{}).Error
	}},
	{name: "messages", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("sender_id = ? OR recipient_id = ?", userID, userID).Delete(&marketplace.Message{}).Error
	}},
	{name: "job_responses", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("responder_id = ? OR owner_id = ?", userID, userID).Delete(&marketplace.JobResponse{}).Error
	}},
	{name: "job_views", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("viewer_id = ? OR job_id IN (?)", userID, ownedJobs(tx, userID)).Delete(&marketplace.JobView{}).Error
	}},
	{name: "job_images", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("job_id IN (?)", ownedJobs(tx, userID)).Delete(&marketplace.JobImage{}).Error
	}},
	{name: "jobs", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("owner_id = ?", userID).Delete(&marketplace.Job{}).Error
	}},
	{name: "payments", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&billing.Payment{}).Error
	}},
	{name: "billing_events", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&billing.ProcessedEvent{}).Error
	}},
	{name: "plan_ledgers", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&billing.PlanLedger{}).Error
	}},
	{name: "profiles", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&marketplace.Profile{}).Error
	}},
	{name: "user_identities", run: func(tx *gorm.DB, userID string) error {
		return tx.Where("user_id = ?", userID).Delete(&Identity{}).Error
	}},
}

// Delete removes everything the account owns in one transaction. The external identity is
// deleted last, still inside the transaction, so its failure rolls the cascade back.
func (s *Service) Delete(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return serviceerr.New(opDelete, "missing_user", ErrInvalidIdentity)
	}

	failedStep := ""
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, step := range deletionSteps {
			if err := step.run(tx, userID); err != nil {
				failedStep = step.name
				return err
			}
		}
		if s.identities != nil {
			if err := s.identities.DeleteIdentity(ctx, userID); err != nil {
				failedStep = "external_identity"
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.reporter.Fail(opDelete, "cascade_rolled_back", errors.Join(ErrDeletionFailed, err),
			zap.String("user_id", userID),
			zap.String("step", failedStep),
		)
	}

	s.evict(userID)
	s.reporter.Logger().Info("account deleted", zap.String("user_id", userID))
	return nil
}
