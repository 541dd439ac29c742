package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"points-service/internal/model"
)

func TestRecordOutcomeAppendsZeroDeltaEntries(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 40})

	require.NoError(t, f.svc.RecordOutcome(context.Background(), Publication{
		UserID: "u1", JobID: "job-1", Platform: " YouTube ", Succeeded: true,
	}))
	require.NoError(t, f.svc.RecordOutcome(context.Background(), Publication{
		UserID: "u1", JobID: "job-1", Platform: "tiktok", ErrorMessage: "token expired",
	}))

	entries := f.store.entriesFor("u1")
	require.Len(t, entries, 2)

	published := entries[0]
	assert.Equal(t, model.KindPenalty, published.Kind)
	assert.Zero(t, published.PointsDelta)
	assert.Equal(t, "youtube", published.Platform)
	assert.Equal(t, model.OutcomePublished, published.Outcome)
	assert.Equal(t, "job-1", published.JobID)

	failed := entries[1]
	assert.Zero(t, failed.PointsDelta)
	assert.Equal(t, model.OutcomeFailed, failed.Outcome)
	assert.Contains(t, failed.Description, "token expired")

	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Equal(t, int64(40), balance)
	assert.Empty(t, f.notifier.all())
}

func TestRecordOutcomeDefaultsPlatformAndMessage(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 40})

	require.NoError(t, f.svc.RecordOutcome(context.Background(), Publication{UserID: "u1", JobID: "job-2"}))

	entries := f.store.entriesFor("u1")
	require.Len(t, entries, 1)
	assert.Equal(t, "generic", entries[0].Platform)
	assert.Contains(t, entries[0].Description, "unknown error")
}

func TestRecordOutcomeDoesNotAffectReplayDetection(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 40})

	require.NoError(t, f.svc.RecordOutcome(context.Background(), Publication{UserID: "u1", JobID: "job-3", Succeeded: true}))

	res, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-3", Outcome: OutcomeSuccess})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(30), res.NewBalance)
}

func TestRecordOutcomeErrors(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 40})

	err := f.svc.RecordOutcome(context.Background(), Publication{JobID: "job"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = f.svc.RecordOutcome(context.Background(), Publication{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.store.appendErr = errors.New("disk full")
	err = f.svc.RecordOutcome(context.Background(), Publication{UserID: "u1", JobID: "job"})
	require.ErrorIs(t, err, ErrStore)
	assert.Empty(t, f.store.entriesFor("u1"))
}
