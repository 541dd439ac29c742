package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"points-service/internal/ledger"
	"points-service/internal/model"
)

type LedgerRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewLedgerRepository(db *gorm.DB, log *logrus.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:  db,
		log: log,
	}
}

// Balance returns the current points of a user
func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int64, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Select("points").
		Where("id = ?", userID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ledger.ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return user.Points, nil
}

// Apply changes the balance by entry.PointsDelta and inserts entry in one
// transaction. A debit only matches the row when points cover it, so two
// concurrent debits can never take the balance below zero.
func (r *LedgerRepository) Apply(ctx context.Context, entry *model.Transaction) (int64, error) {
	var balance int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&model.User{}).Where("id = ?", entry.UserID)
		if entry.PointsDelta < 0 {
			update = update.Where("points >= ?", -entry.PointsDelta)
		}

		res := update.UpdateColumn("points", gorm.Expr("points + ?", entry.PointsDelta))
		if res.Error != nil {
			return res.Error
		}

		var user model.User
		if res.RowsAffected == 0 {
			err := tx.Select("points").Where("id = ?", entry.UserID).Take(&user).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrUserNotFound
			}
			if err != nil {
				return err
			}
			return &ledger.InsufficientBalanceError{Current: user.Points, Required: -entry.PointsDelta}
		}

		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if err := tx.Select("points").Where("id = ?", entry.UserID).Take(&user).Error; err != nil {
			return err
		}
		balance = user.Points
		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// Append inserts an entry without touching the balance. Only zero-delta
// audit rows go through here.
func (r *LedgerRepository) Append(ctx context.Context, entry *model.Transaction) error {
	if entry.PointsDelta != 0 {
		return errors.New("append: non-zero delta must go through Apply")
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindJobEntry returns the newest entry of userID for jobID with the given
// outcome, or nil when there is none.
func (r *LedgerRepository) FindJobEntry(ctx context.Context, userID, jobID, outcome string) (*model.Transaction, error) {
	var entries []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND job_id = ? AND outcome = ?", userID, jobID, outcome).
		Order("created_at DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// History returns the newest entries of userID first
func (r *LedgerRepository) History(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var entries []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error

	return entries, err
}

// UsersAfter pages through users ordered by id (for reconciliation)
func (r *LedgerRepository) UsersAfter(ctx context.Context, afterID string, limit int) ([]model.User, error) {
	var users []model.User
	err := r.db.WithContext(ctx).
		Select("id", "points").
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&users).Error

	return users, err
}

// CountUsers returns total count of users
func (r *LedgerRepository) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error
	return count, err
}

// SumDeltas returns the sum of PointsDelta per user. Users without entries
// are absent from the result.
func (r *LedgerRepository) SumDeltas(ctx context.Context, userIDs []string) (map[string]int64, error) {
	sums := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return sums, nil
	}

	var rows []struct {
		UserID string
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("user_id, COALESCE(SUM(points_delta), 0) AS total").
		Where("user_id IN ?", userIDs).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		sums[row.UserID] = row.Total
	}
	return sums, nil
}
