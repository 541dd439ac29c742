// Package reconcile periodically checks that every user's stored balance
// equals the sum of their ledger entries. It only reports; balances are
// never rewritten here.
package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"points-service/internal/metrics"
	"points-service/internal/model"
)

const (
	checkTimeout = 2 * time.Minute
)

type Store interface {
	CountUsers(ctx context.Context) (int64, error)
	UsersAfter(ctx context.Context, afterID string, limit int) ([]model.User, error)
	SumDeltas(ctx context.Context, userIDs []string) (map[string]int64, error)
}

// Mismatch is a user whose balance disagrees with their ledger.
type Mismatch struct {
	UserID  string
	Balance int64
	Ledger  int64
}

// Run checks the ledger every interval until ctx is cancelled. A
// non-positive interval disables reconciliation.
func Run(
	ctx context.Context,
	store Store,
	batchSize int,
	interval time.Duration,
	log *logrus.Logger,
	m *metrics.Metrics,
) {
	if interval <= 0 {
		log.Info("ledger reconciliation disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runCheck(ctx, store, batchSize, log, m)

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping ledger reconciler")
			return
		case <-ticker.C:
			runCheck(ctx, store, batchSize, log, m)
		}
	}
}

func runCheck(ctx context.Context, store Store, batchSize int, log *logrus.Logger, m *metrics.Metrics) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	mismatches, err := Check(ctx, store, batchSize, log)
	if err != nil {
		log.WithError(err).Error("ledger reconciliation failed")
		return
	}

	m.SetReconcileMismatches(len(mismatches))
	for _, mm := range mismatches {
		log.WithFields(logrus.Fields{
			"user_id": mm.UserID,
			"balance": mm.Balance,
			"ledger":  mm.Ledger,
			"drift":   mm.Balance - mm.Ledger,
		}).Error("balance does not match ledger")
	}
}

// Check pages through all users in id order and returns those whose
// balance differs from the sum of their entries.
func Check(ctx context.Context, store Store, batchSize int, log *logrus.Logger) ([]Mismatch, error) {
	total, err := store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}

	if total == 0 {
		log.Debug("no users to reconcile")
		return nil, nil
	}

	log.WithField("total", total).Debug("starting ledger reconciliation")

	var (
		mismatches []Mismatch
		checked    int64
		after      string
	)

	for {
		users, err := store.UsersAfter(ctx, after, batchSize)
		if err != nil {
			return nil, err
		}

		if len(users) == 0 {
			break
		}

		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}

		sums, err := store.SumDeltas(ctx, ids)
		if err != nil {
			return nil, err
		}

		for _, u := range users {
			if ledger := sums[u.ID]; ledger != u.Points {
				mismatches = append(mismatches, Mismatch{UserID: u.ID, Balance: u.Points, Ledger: ledger})
			}
			checked++
		}

		after = users[len(users)-1].ID

		if len(users) < batchSize {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	log.WithFields(logrus.Fields{
		"checked":    checked,
		"total":      total,
		"mismatches": len(mismatches),
	}).Info("ledger reconciliation completed")

	return mismatches, nil
}
