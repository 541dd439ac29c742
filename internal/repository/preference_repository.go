package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"points-service/internal/model"
)

type PreferenceRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewPreferenceRepository(db *gorm.DB, log *logrus.Logger) *PreferenceRepository {
	return &PreferenceRepository{
		db:  db,
		log: log,
	}
}

// WebhookURL returns the workflow engine URL configured by userID, or an
// empty string when none is set.
func (r *PreferenceRepository) WebhookURL(ctx context.Context, userID string) (string, error) {
	var pref model.Preference
	err := r.db.WithContext(ctx).
		Select("webhook_url").
		Where("user_id = ?", userID).
		Take(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return pref.WebhookURL, nil
}

// SaveWebhookURL creates or replaces the webhook URL of userID
func (r *PreferenceRepository) SaveWebhookURL(ctx context.Context, userID, url string) error {
	pref := model.Preference{
		UserID:     userID,
		WebhookURL: url,
		UpdatedAt:  time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"webhook_url", "updated_at"}),
	}).Create(&pref).Error
}
