package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"points-service/internal/model"
)

const genericPlatform = "generic"

// Publication is the result of one cross-posting attempt.
type Publication struct {
	UserID       string
	JobID        string
	Platform     string
	Succeeded    bool
	ErrorMessage string
}

// RecordOutcome appends a zero-value audit entry for a publication attempt.
// The balance is never changed; store errors are returned to the caller.
func (s *Service) RecordOutcome(ctx context.Context, p Publication) error {
	p.UserID = strings.TrimSpace(p.UserID)
	p.JobID = strings.TrimSpace(p.JobID)
	p.Platform = strings.ToLower(strings.TrimSpace(p.Platform))

	if p.UserID == "" {
		return invalid("user_id", "is required")
	}
	if p.JobID == "" {
		return invalid("job_id", "is required")
	}
	if p.Platform == "" {
		p.Platform = genericPlatform
	}

	entry := &model.Transaction{
		ID:          newTransactionID(),
		UserID:      p.UserID,
		Kind:        model.KindPenalty,
		PointsDelta: 0,
		JobID:       p.JobID,
		Platform:    p.Platform,
		CreatedAt:   s.now().UTC(),
	}

	if p.Succeeded {
		entry.Outcome = model.OutcomePublished
		entry.Description = fmt.Sprintf("Published job %s to %s", p.JobID, p.Platform)
	} else {
		entry.Outcome = model.OutcomeFailed
		msg := strings.TrimSpace(p.ErrorMessage)
		if msg == "" {
			msg = "unknown error"
		}
		entry.Description = fmt.Sprintf("Publishing job %s to %s failed: %s", p.JobID, p.Platform, msg)
	}

	if err := s.store.Append(ctx, entry); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"user_id":  p.UserID,
			"job_id":   p.JobID,
			"platform": p.Platform,
		}).Error("failed to record publication outcome")
		return WrapStore("append", err)
	}

	s.metrics.RecordPublication(p.Platform, entry.Outcome)
	s.log.WithFields(logrus.Fields{
		"user_id":  p.UserID,
		"job_id":   p.JobID,
		"platform": p.Platform,
		"outcome":  entry.Outcome,
	}).Info("publication outcome recorded")
	return nil
}
