package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"points-service/internal/hub"
	"points-service/internal/jobstatus"
	"points-service/internal/model"
)

// memoryStore mirrors the conditional-update semantics of the SQL store.
type memoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []model.Transaction

	applyErr  error
	appendErr error
}

func newMemoryStore(balances map[string]int64) *memoryStore {
	return &memoryStore{balances: balances}
}

func (m *memoryStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return b, nil
}

func (m *memoryStore) Apply(_ context.Context, entry *model.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyErr != nil {
		return 0, m.applyErr
	}
	b, ok := m.balances[entry.UserID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if entry.PointsDelta < 0 && b < -entry.PointsDelta {
		return 0, &InsufficientBalanceError{Current: b, Required: -entry.PointsDelta}
	}
	m.balances[entry.UserID] = b + entry.PointsDelta
	m.entries = append(m.entries, *entry)
	return m.balances[entry.UserID], nil
}

func (m *memoryStore) Append(_ context.Context, entry *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryStore) FindJobEntry(_ context.Context, userID, jobID, outcome string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		e := m.entries[i]
		if e.UserID == userID && e.JobID == jobID && e.Outcome == outcome {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) History(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Transaction
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memoryStore) entriesFor(userID string) []model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Transaction
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recordingNotifier) Push(userID string, ev hub.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.UserID = userID
	r.events = append(r.events, ev)
	return 1
}

func (r *recordingNotifier) all() []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hub.Event(nil), r.events...)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	svc      *Service
	store    *memoryStore
	registry *jobstatus.Registry
	notifier *recordingNotifier
}

func newFixture(balances map[string]int64) *fixture {
	store := newMemoryStore(balances)
	registry := jobstatus.New(time.Hour, testLogger(), nil)
	notifier := &recordingNotifier{}
	svc := NewService(store, registry, notifier, testLogger(), nil, Options{DefaultCost: 10})
	return &fixture{svc: svc, store: store, registry: registry, notifier: notifier}
}

// requireReconciled checks that the balance equals the opening balance plus
// every delta recorded for the user.
func (f *fixture) requireReconciled(t *testing.T, userID string, opening int64) {
	t.Helper()
	var sum int64
	for _, e := range f.store.entriesFor(userID) {
		sum += e.PointsDelta
	}
	balance, err := f.store.Balance(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, opening+sum, balance, "balance must equal opening balance plus ledger deltas")
}

func TestHandleCompletionDebitsAndNotifies(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 15})

	res, err := f.svc.HandleCompletion(context.Background(), Completion{
		UserID: "u1", JobID: "job-a", Outcome: OutcomeSuccess, PointsToDeduct: 10,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(10), res.PointsDeducted)
	assert.Equal(t, int64(5), res.NewBalance)
	assert.Equal(t, jobstatus.StatusCompleted, res.Status)

	entries := f.store.entriesFor("u1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindPenalty, entries[0].Kind)
	assert.Equal(t, int64(-10), entries[0].PointsDelta)
	assert.Equal(t, "job-a", entries[0].JobID)
	assert.Contains(t, entries[0].ID, "txn_")

	rec := f.svc.Status("job-a")
	assert.Equal(t, jobstatus.StatusCompleted, rec.Status)
	require.NotNil(t, rec.NewBalance)
	assert.Equal(t, res.NewBalance, *rec.NewBalance)

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventVideoCompleted, events[0].Type)
	assert.Equal(t, "job-a", events[0].JobID)

	f.requireReconciled(t, "u1", 15)
}

func TestHandleCompletionInsufficientBalance(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 5})

	_, err := f.svc.HandleCompletion(context.Background(), Completion{
		UserID: "u1", JobID: "job-b", Outcome: OutcomeSuccess, PointsToDeduct: 10,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(5), insufficient.Current)
	assert.Equal(t, int64(10), insufficient.Required)

	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Equal(t, int64(5), balance)
	assert.Empty(t, f.store.entriesFor("u1"))

	// the job stays unbilled; the client learns about it instead of polling forever
	rec := f.svc.Status("job-b")
	assert.Equal(t, jobstatus.StatusFailed, rec.Status)
	assert.Equal(t, "insufficient_balance", rec.Reason)
	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventVideoFailed, events[0].Type)
}

func TestHandleCompletionBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		wantErr bool
		want    int64
	}{
		{"balance equals cost", 10, false, 0},
		{"balance one short", 9, true, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(map[string]int64{"u1": tt.balance})

			res, err := f.svc.HandleCompletion(context.Background(), Completion{
				UserID: "u1", JobID: "job-edge", Outcome: OutcomeSuccess, PointsToDeduct: 10,
			})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInsufficientBalance)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, res.NewBalance)
			}

			balance, _ := f.store.Balance(context.Background(), "u1")
			assert.Equal(t, tt.want, balance)
		})
	}
}

func TestHandleCompletionFailureLeavesBalance(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 15})

	res, err := f.svc.HandleCompletion(context.Background(), Completion{
		UserID: "u1", JobID: "job-c", Outcome: OutcomeFailure, Reason: "render crashed",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.PointsDeducted)
	assert.Equal(t, int64(15), res.NewBalance)

	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Equal(t, int64(15), balance)
	assert.Empty(t, f.store.entriesFor("u1"))

	rec := f.svc.Status("job-c")
	assert.Equal(t, jobstatus.StatusFailed, rec.Status)
	assert.Equal(t, "render crashed", rec.Reason)

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventVideoFailed, events[0].Type)
	assert.Equal(t, "u1", events[0].UserID)
}

func TestUnknownJobReportsProcessing(t *testing.T) {
	f := newFixture(map[string]int64{})

	// unknown ≡ processing by convention: a job id that never existed looks the same
	rec := f.svc.Status("never-seen")
	assert.Equal(t, jobstatus.StatusProcessing, rec.Status)
	assert.Equal(t, "never-seen", rec.JobID)
}

func TestReplayedSuccessDebitsOnce(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 30})
	c := Completion{UserID: "u1", JobID: "job-r", Outcome: OutcomeSuccess, PointsToDeduct: 10}

	first, err := f.svc.HandleCompletion(context.Background(), c)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	// a naive read-then-write handler would leave 10 here after the retry
	second, err := f.svc.HandleCompletion(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	assert.Equal(t, first.PointsDeducted, second.PointsDeducted)

	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Equal(t, int64(20), balance)
	assert.Len(t, f.store.entriesFor("u1"), 1)
	assert.Len(t, f.notifier.all(), 1)
}

func TestReplayDetectedFromLedgerAfterRestart(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 30})
	c := Completion{UserID: "u1", JobID: "job-restart", Outcome: OutcomeSuccess, PointsToDeduct: 10}

	_, err := f.svc.HandleCompletion(context.Background(), c)
	require.NoError(t, err)

	// a new process starts with an empty registry but the same database
	restarted := NewService(f.store, jobstatus.New(time.Hour, testLogger(), nil), &recordingNotifier{}, testLogger(), nil, Options{})
	res, err := restarted.HandleCompletion(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(10), res.PointsDeducted)
	assert.Equal(t, int64(20), res.NewBalance)
	assert.Equal(t, jobstatus.StatusCompleted, restarted.Status("job-restart").Status)

	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Equal(t, int64(20), balance)
}

func TestFailureAfterCompletionDoesNotOverwrite(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 30})

	_, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-x", Outcome: OutcomeSuccess})
	require.NoError(t, err)

	res, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-x", Outcome: OutcomeFailure})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, jobstatus.StatusCompleted, f.svc.Status("job-x").Status)

	t.Run("after restart", func(t *testing.T) {
		notifier := &recordingNotifier{}
		restarted := NewService(f.store, jobstatus.New(time.Hour, testLogger(), nil), notifier, testLogger(), nil, Options{})

		res, err := restarted.HandleCompletion(context.Background(), Completion{
			UserID: "u1", JobID: "job-x", Outcome: OutcomeFailure, Reason: "late retry",
		})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, jobstatus.StatusCompleted, res.Status)
		assert.Equal(t, int64(10), res.PointsDeducted)
		assert.Equal(t, jobstatus.StatusCompleted, restarted.Status("job-x").Status)
		assert.Empty(t, notifier.all())

		balance, _ := f.store.Balance(context.Background(), "u1")
		assert.Equal(t, int64(20), balance)
	})
}

func TestFailureForUnbilledJobIsRecorded(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 30})

	res, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-never", Outcome: OutcomeFailure})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, jobstatus.StatusFailed, f.svc.Status("job-never").Status)

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventVideoFailed, events[0].Type)
}

func TestHandleCompletionDefaultsPoints(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 25})

	res, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-d", Outcome: OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.PointsDeducted)
	assert.Equal(t, int64(15), res.NewBalance)
}

func TestHandleCompletionUnknownUser(t *testing.T) {
	f := newFixture(map[string]int64{})

	_, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "ghost", JobID: "job-g", Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Empty(t, f.notifier.all())
	_, ok := f.registry.Get("job-g")
	assert.False(t, ok)
}

func TestHandleCompletionStoreErrorAbortsBeforeStatusAndPush(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 50})
	f.store.applyErr = errors.New("connection reset")

	_, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-s", Outcome: OutcomeSuccess})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "debit", storeErr.Op)

	_, ok := f.registry.Get("job-s")
	assert.False(t, ok)
	assert.Empty(t, f.notifier.all())
}

func TestHandleCompletionValidation(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 50})

	tests := []struct {
		name  string
		c     Completion
		field string
	}{
		{"missing user", Completion{JobID: "j", Outcome: OutcomeSuccess}, "user_id"},
		{"missing job", Completion{UserID: "u1", Outcome: OutcomeSuccess}, "job_id"},
		{"blank job", Completion{UserID: "u1", JobID: "   ", Outcome: OutcomeSuccess}, "job_id"},
		{"missing outcome", Completion{UserID: "u1", JobID: "j"}, "status"},
		{"unknown outcome", Completion{UserID: "u1", JobID: "j", Outcome: "maybe"}, "status"},
		{"negative points", Completion{UserID: "u1", JobID: "j", Outcome: OutcomeSuccess, PointsToDeduct: -5}, "points_to_deduct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HandleCompletion(context.Background(), tt.c)
			require.ErrorIs(t, err, ErrInvalidInput)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 100})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, refused := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.HandleCompletion(context.Background(), Completion{
				UserID: "u1", JobID: fmt.Sprintf("job-%d", i), Outcome: OutcomeSuccess, PointsToDeduct: 10,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, ErrInsufficientBalance) {
				refused++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, refused)
	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Zero(t, balance)
	f.requireReconciled(t, "u1", 100)
}

func TestConcurrentReplaysOfSameJobDebitOnce(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 100})
	c := Completion{UserID: "u1", JobID: "job-dup", Outcome: OutcomeSuccess, PointsToDeduct: 10}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.HandleCompletion(context.Background(), c)
		}()
	}
	wg.Wait()

	balance, _ := f.store.Balance(context.Background(), "u1")
	assert.Equal(t, int64(90), balance)
	assert.Len(t, f.store.entriesFor("u1"), 1)
}

func TestPreCheck(t *testing.T) {
	f := newFixture(map[string]int64{"rich": 50, "poor": 3})

	res, err := f.svc.PreCheck(context.Background(), "rich", 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(50), res.Balance)
	assert.Equal(t, int64(10), res.Required)

	res, err = f.svc.PreCheck(context.Background(), "poor", 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.Balance)

	_, err = f.svc.PreCheck(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPreCheckDoesNotReserve(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 10})

	first, err := f.svc.PreCheck(context.Background(), "u1", 10)
	require.NoError(t, err)
	second, err := f.svc.PreCheck(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.True(t, second.Allowed)

	_, err = f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "j1", Outcome: OutcomeSuccess})
	require.NoError(t, err)
	_, err = f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "j2", Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestMarkProcessingKeepsTerminalRecords(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 20})

	f.svc.MarkProcessing("u1", "job-p")
	rec := f.svc.Status("job-p")
	assert.Equal(t, jobstatus.StatusProcessing, rec.Status)
	assert.Equal(t, "u1", rec.UserID)

	_, err := f.svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-p", Outcome: OutcomeSuccess})
	require.NoError(t, err)

	f.svc.MarkProcessing("u1", "job-p")
	assert.Equal(t, jobstatus.StatusCompleted, f.svc.Status("job-p").Status)
}

func TestResultURLFallsBackToBase(t *testing.T) {
	store := newMemoryStore(map[string]int64{"u1": 20})
	svc := NewService(store, jobstatus.New(0, testLogger(), nil), &recordingNotifier{}, testLogger(), nil,
		Options{ResultBaseURL: "https://cdn.example.com/videos/"})

	res, err := svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-u", Outcome: OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/videos/job-u", res.ResultURL)

	res, err = svc.HandleCompletion(context.Background(), Completion{UserID: "u1", JobID: "job-v", Outcome: OutcomeSuccess, ResultURL: "https://x/y.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "https://x/y.mp4", res.ResultURL)
}

func TestAdjust(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 5})

	balance, err := f.svc.Adjust(context.Background(), "u1", 100, model.KindPurchase, "")
	require.NoError(t, err)
	assert.Equal(t, int64(105), balance)

	balance, err = f.svc.Adjust(context.Background(), "u1", -5, model.KindRefund, "manual refund")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	_, err = f.svc.Adjust(context.Background(), "u1", -500, model.KindPenalty, "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.svc.Adjust(context.Background(), "u1", 1, model.Kind("gift"), "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Adjust(context.Background(), "u1", 0, model.KindBonus, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.requireReconciled(t, "u1", 5)
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 50})

	_, err := f.svc.Adjust(context.Background(), "u1", 10, model.KindBonus, "first")
	require.NoError(t, err)
	_, err = f.svc.Adjust(context.Background(), "u1", 20, model.KindBonus, "second")
	require.NoError(t, err)

	entries, err := f.svc.History(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Description)
}
