// Package ledger implements the balance-gated debit protocol for generation
// jobs and the audit records of publication outcomes.
//
// Completion flow:
//  1. The client pre-checks its balance and starts a job (advisory, nothing is reserved).
//  2. The workflow engine calls back with the outcome.
//  3. On success the store debits atomically and appends a penalty entry.
//  4. The job status registry is updated.
//  5. The event is pushed to the user's live streams.
//
// Steps 4 and 5 never run when step 3 failed on a store error.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"points-service/internal/hub"
	"points-service/internal/jobstatus"
	"points-service/internal/metrics"
	"points-service/internal/model"
)

const (
	DefaultVideoCost = 10
	userLockStripes  = 256
)

// Store is the durable ledger. Apply must be atomic: a negative delta is
// only written when the balance covers it, and the balance update and the
// entry insert commit together.
type Store interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Apply(ctx context.Context, entry *model.Transaction) (int64, error)
	Append(ctx context.Context, entry *model.Transaction) error
	FindJobEntry(ctx context.Context, userID, jobID, outcome string) (*model.Transaction, error)
	History(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
}

// Registry records job outcomes for polling clients.
type Registry interface {
	Put(rec jobstatus.Record)
	Get(jobID string) (jobstatus.Record, bool)
	Lookup(jobID string) jobstatus.Record
}

// Notifier delivers events to a user's live streams.
type Notifier interface {
	Push(userID string, ev hub.Event) int
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Completion is a decoded completion callback.
type Completion struct {
	UserID         string
	JobID          string
	Outcome        Outcome
	PointsToDeduct int64
	ResultURL      string
	Reason         string
}

// DebitResult is reported back to the workflow engine.
type DebitResult struct {
	Success        bool             `json:"success"`
	JobID          string           `json:"job_id"`
	UserID         string           `json:"user_id"`
	Status         jobstatus.Status `json:"status"`
	ResultURL      string           `json:"result_url,omitempty"`
	PointsDeducted int64            `json:"points_deducted"`
	NewBalance     int64            `json:"new_balance"`
	Replayed       bool             `json:"replayed,omitempty"`
}

// PreCheckResult is advisory: nothing is reserved.
type PreCheckResult struct {
	Allowed  bool  `json:"canGenerate"`
	Balance  int64 `json:"points"`
	Required int64 `json:"required"`
}

type Options struct {
	DefaultCost   int64
	ResultBaseURL string
}

type Service struct {
	store    Store
	registry Registry
	notifier Notifier
	log      *logrus.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time

	userLocks [userLockStripes]sync.Mutex
}

func NewService(store Store, registry Registry, notifier Notifier, log *logrus.Logger, m *metrics.Metrics, opts Options) *Service {
	if opts.DefaultCost <= 0 {
		opts.DefaultCost = DefaultVideoCost
	}
	opts.ResultBaseURL = strings.TrimRight(opts.ResultBaseURL, "/")

	return &Service{
		store:    store,
		registry: registry,
		notifier: notifier,
		log:      log,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// DefaultCost is the points charged when a callback does not say otherwise.
func (s *Service) DefaultCost() int64 {
	return s.opts.DefaultCost
}

// lockUser serialises debit-protocol work per user. Unrelated users only
// contend when they hash to the same stripe.
func (s *Service) lockUser(userID string) func() {
	mu := &s.userLocks[xxh3.HashString(userID)%userLockStripes]
	mu.Lock()
	return mu.Unlock
}

// PreCheck reports whether userID currently holds at least required points.
func (s *Service) PreCheck(ctx context.Context, userID string, required int64) (PreCheckResult, error) {
	if userID == "" {
		return PreCheckResult{}, invalid("user_id", "is required")
	}
	if required <= 0 {
		required = s.opts.DefaultCost
	}

	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		return PreCheckResult{}, WrapStore("balance", err)
	}

	return PreCheckResult{
		Allowed:  balance >= required,
		Balance:  balance,
		Required: required,
	}, nil
}

// MarkProcessing records a freshly initiated job so pollers see its owner.
// Terminal records are left alone.
func (s *Service) MarkProcessing(userID, jobID string) {
	if rec, ok := s.registry.Get(jobID); ok && rec.Terminal() {
		return
	}
	s.registry.Put(jobstatus.Record{
		JobID:  jobID,
		UserID: userID,
		Status: jobstatus.StatusProcessing,
	})
}

// HandleCompletion applies a completion callback. Replays of a job that was
// already billed return the original result without touching the balance.
func (s *Service) HandleCompletion(ctx context.Context, c Completion) (DebitResult, error) {
	if err := s.validateCompletion(&c); err != nil {
		s.metrics.RecordCallback("invalid")
		return DebitResult{}, err
	}

	unlock := s.lockUser(c.UserID)
	defer unlock()

	log := s.log.WithFields(logrus.Fields{
		"user_id": c.UserID,
		"job_id":  c.JobID,
		"outcome": c.Outcome,
	})

	balance, err := s.store.Balance(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.RecordCallback("user_not_found")
			log.Warn("completion callback for unknown user")
			return DebitResult{}, err
		}
		s.metrics.RecordCallback("store_error")
		return DebitResult{}, WrapStore("balance", err)
	}

	if res, ok, err := s.replay(ctx, c, balance); err != nil {
		s.metrics.RecordCallback("store_error")
		return DebitResult{}, err
	} else if ok {
		s.metrics.RecordCallback("replayed")
		log.Info("completion callback replayed, balance untouched")
		return res, nil
	}

	if c.Outcome == OutcomeFailure {
		return s.fail(c, balance, c.Reason, log), nil
	}

	entry := &model.Transaction{
		ID:          newTransactionID(),
		UserID:      c.UserID,
		Kind:        model.KindPenalty,
		Description: fmt.Sprintf("Video generation %s", c.JobID),
		PointsDelta: -c.PointsToDeduct,
		JobID:       c.JobID,
		Outcome:     model.OutcomeCompleted,
		CreatedAt:   s.now().UTC(),
	}

	newBalance, err := s.store.Apply(ctx, entry)
	if err != nil {
		var insufficient *InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			s.metrics.RecordDebitRejection("insufficient_balance")
			s.metrics.RecordCallback("insufficient_balance")
			log.WithFields(logrus.Fields{
				"current":  insufficient.Current,
				"required": insufficient.Required,
			}).Warn("job completed but balance no longer covers it, left unbilled")
			s.fail(c, insufficient.Current, "insufficient_balance", log)
			return DebitResult{}, err
		case errors.Is(err, ErrUserNotFound):
			s.metrics.RecordCallback("user_not_found")
			return DebitResult{}, err
		default:
			s.metrics.RecordDebitRejection("store_error")
			s.metrics.RecordCallback("store_error")
			log.WithError(err).Error("debit failed, job status left unchanged")
			return DebitResult{}, WrapStore("debit", err)
		}
	}

	resultURL := s.resultURL(c)
	completedAt := s.now().UTC()
	s.registry.Put(jobstatus.Record{
		JobID:          c.JobID,
		UserID:         c.UserID,
		Status:         jobstatus.StatusCompleted,
		CompletedAt:    &completedAt,
		PointsDeducted: c.PointsToDeduct,
		NewBalance:     &newBalance,
		ResultURL:      resultURL,
	})

	s.notifier.Push(c.UserID, hub.Event{
		Type:           hub.EventVideoCompleted,
		JobID:          c.JobID,
		Status:         string(jobstatus.StatusCompleted),
		ResultURL:      resultURL,
		PointsDeducted: c.PointsToDeduct,
		NewBalance:     &newBalance,
		Timestamp:      completedAt,
	})

	s.metrics.RecordDebit(c.PointsToDeduct)
	s.metrics.RecordCallback("completed")
	log.WithFields(logrus.Fields{
		"points_deducted": c.PointsToDeduct,
		"new_balance":     newBalance,
	}).Info("job completed and billed")

	return DebitResult{
		Success:        true,
		JobID:          c.JobID,
		UserID:         c.UserID,
		Status:         jobstatus.StatusCompleted,
		ResultURL:      resultURL,
		PointsDeducted: c.PointsToDeduct,
		NewBalance:     newBalance,
	}, nil
}

func (s *Service) validateCompletion(c *Completion) error {
	c.UserID = strings.TrimSpace(c.UserID)
	c.JobID = strings.TrimSpace(c.JobID)

	if c.UserID == "" {
		return invalid("user_id", "is required")
	}
	if c.JobID == "" {
		return invalid("job_id", "is required")
	}
	if c.Outcome == "" {
		return invalid("status", "is required")
	}
	if c.Outcome != OutcomeSuccess && c.Outcome != OutcomeFailure {
		return invalid("status", fmt.Sprintf("unknown outcome %q", c.Outcome))
	}
	if c.PointsToDeduct < 0 {
		return invalid("points_to_deduct", "must not be negative")
	}
	if c.PointsToDeduct == 0 {
		c.PointsToDeduct = s.opts.DefaultCost
	}
	return nil
}

// replay detects a job that has already been billed, first from the
// registry and then from the ledger itself so restarts neither re-bill nor
// report a billed job as failed.
func (s *Service) replay(ctx context.Context, c Completion, balance int64) (DebitResult, bool, error) {
	if rec, ok := s.registry.Get(c.JobID); ok && rec.Status == jobstatus.StatusCompleted {
		res := DebitResult{
			Success:        true,
			JobID:          c.JobID,
			UserID:         rec.UserID,
			Status:         rec.Status,
			ResultURL:      rec.ResultURL,
			PointsDeducted: rec.PointsDeducted,
			NewBalance:     balance,
			Replayed:       true,
		}
		if rec.NewBalance != nil {
			res.NewBalance = *rec.NewBalance
		}
		return res, true, nil
	}

	// checked for failures too: a late failure callback must not relabel a
	// job that was billed before a restart
	entry, err := s.store.FindJobEntry(ctx, c.UserID, c.JobID, model.OutcomeCompleted)
	if err != nil {
		return DebitResult{}, false, WrapStore("find job entry", err)
	}
	if entry == nil {
		return DebitResult{}, false, nil
	}

	resultURL := s.resultURL(c)
	completedAt := entry.CreatedAt
	s.registry.Put(jobstatus.Record{
		JobID:          c.JobID,
		UserID:         c.UserID,
		Status:         jobstatus.StatusCompleted,
		CompletedAt:    &completedAt,
		PointsDeducted: -entry.PointsDelta,
		NewBalance:     &balance,
		ResultURL:      resultURL,
	})

	return DebitResult{
		Success:        true,
		JobID:          c.JobID,
		UserID:         c.UserID,
		Status:         jobstatus.StatusCompleted,
		ResultURL:      resultURL,
		PointsDeducted: -entry.PointsDelta,
		NewBalance:     balance,
		Replayed:       true,
	}, true, nil
}

// fail records a failed job and notifies the user. The balance is untouched.
func (s *Service) fail(c Completion, balance int64, reason string, log *logrus.Entry) DebitResult {
	failedAt := s.now().UTC()
	s.registry.Put(jobstatus.Record{
		JobID:       c.JobID,
		UserID:      c.UserID,
		Status:      jobstatus.StatusFailed,
		CompletedAt: &failedAt,
		NewBalance:  &balance,
		Reason:      reason,
	})

	s.notifier.Push(c.UserID, hub.Event{
		Type:       hub.EventVideoFailed,
		JobID:      c.JobID,
		Status:     string(jobstatus.StatusFailed),
		NewBalance: &balance,
		Reason:     reason,
		Timestamp:  failedAt,
	})

	if c.Outcome == OutcomeFailure {
		s.metrics.RecordCallback("failed")
	}
	log.WithField("reason", reason).Info("job marked failed")

	return DebitResult{
		Success:    true,
		JobID:      c.JobID,
		UserID:     c.UserID,
		Status:     jobstatus.StatusFailed,
		NewBalance: balance,
	}
}

func (s *Service) resultURL(c Completion) string {
	if c.ResultURL != "" {
		return c.ResultURL
	}
	if s.opts.ResultBaseURL == "" {
		return ""
	}
	return s.opts.ResultBaseURL + "/" + c.JobID
}

// Adjust applies an administrative balance change. Negative adjustments are
// refused when the balance does not cover them.
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, kind model.Kind, description string) (int64, error) {
	if userID == "" {
		return 0, invalid("user_id", "is required")
	}
	if delta == 0 {
		return 0, invalid("points", "must not be zero")
	}
	if !kind.Valid() {
		return 0, invalid("type", fmt.Sprintf("unknown transaction type %q", kind))
	}
	if description == "" {
		description = fmt.Sprintf("Administrative %s adjustment", kind)
	}

	unlock := s.lockUser(userID)
	defer unlock()

	newBalance, err := s.store.Apply(ctx, &model.Transaction{
		ID:          newTransactionID(),
		UserID:      userID,
		Kind:        kind,
		Description: description,
		PointsDelta: delta,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return 0, WrapStore("adjust", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"delta":       delta,
		"type":        kind,
		"new_balance": newBalance,
	}).Info("balance adjusted")
	return newBalance, nil
}

// History returns the newest ledger entries of userID.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if userID == "" {
		return nil, invalid("user_id", "is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	entries, err := s.store.History(ctx, userID, limit)
	if err != nil {
		return nil, WrapStore("history", err)
	}
	return entries, nil
}

// Status returns the registry view of jobID, reporting unknown jobs as processing.
func (s *Service) Status(jobID string) jobstatus.Record {
	return s.registry.Lookup(jobID)
}
