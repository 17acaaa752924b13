package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPlanLedgers = "2026-10-01_backfill_plan_ledgers"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPlanLedgers, apply: backfillPlanLedgers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPlanLedgers opens an empty ledger for profiles created before ledgers existed.
func backfillPlanLedgers(db *gorm.DB) error {
	return db.Exec(`INSERT INTO plan_ledgers
		(user_id, plan, remaining_listings, remaining_highlights, is_trusted, trusted_badge,
		 billing_customer_ref, billing_subscription_ref, updated_at)
		SELECT p.user_id, '', 0, 0, false, false, '', '', ?
		FROM profiles p
		WHERE NOT EXISTS (SELECT 1 FROM plan_ledgers l WHERE l.user_id = p.user_id)`,
		time.Now().UTC(),
	).Error
}
