package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/CreditFox/internal/pkg/features"
	"github.com/ManuelReschke/CreditFox/internal/pkg/inference"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics"
)

type fakeGateway struct {
	mu          sync.Mutex
	submitErr   error
	status      *inference.StatusResult
	statusErr   error
	submits     int
	statusCalls int
}

func (f *fakeGateway) Submit(_ context.Context, req inference.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "ext-" + req.Feature, nil
}

func (f *fakeGateway) Status(_ context.Context, _ string) (*inference.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := *f.status
	return &s, nil
}

func (f *fakeGateway) set(s inference.StatusResult) {
	f.mu.Lock()
	f.status = &s
	f.statusErr = nil
	f.mu.Unlock()
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

type fixture struct {
	db     *gorm.DB
	ledger *ledger.Service
	gw     *fakeGateway
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	l := ledger.NewService(db)
	gw := &fakeGateway{status: &inference.StatusResult{Status: inference.StatusQueued}}
	return &fixture{db: db, ledger: l, gw: gw, orch: NewOrchestrator(db, l, gw, features.Default())}
}

func (f *fixture) balance(t *testing.T, userID uint) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.TotalCredits
}

func (f *fixture) count(t *testing.T, userID uint, typ models.TransactionType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.CreditTransaction{}).Where("user_id = ? AND type = ?", userID, typ).Count(&n).Error)
	return n
}

func (f *fixture) topUp(t *testing.T, userID uint, amount int64) {
	t.Helper()
	_, err := f.ledger.Grant(context.Background(), ledger.GrantRequest{
		UserID: userID, Amount: amount, Type: models.TransactionTypePurchase, Source: models.SourceOneTimePurchase,
	})
	require.NoError(t, err)
}

var prompt = map[string]interface{}{"prompt": "a red fox in the snow"}

func TestSubmitOnCompletionDoesNotDebit(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	require.NotNil(t, job.ExternalJobID)
	assert.Equal(t, "ext-text_to_image", *job.ExternalJobID)
	assert.Equal(t, int64(2), job.CostCredits)
	assert.False(t, job.Charged)
	assert.Equal(t, int64(20), f.balance(t, 1))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, 1, "teleportation", prompt)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.orch.Submit(ctx, 1, "text_to_image", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.orch.Submit(ctx, 0, "text_to_image", prompt)
	assert.ErrorIs(t, err, apperr.ErrAuth)

	assert.Zero(t, f.gw.submits)
}

func TestSubmitRejectsInsufficientBalanceBeforeProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Submit(context.Background(), 1, "text_to_video", prompt)
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	var jobs int64
	f.db.Model(&models.GenerationJob{}).Count(&jobs)
	assert.Zero(t, jobs)
	assert.Zero(t, f.gw.submits)
}

func TestSubmitFailureRecordsJob(t *testing.T) {
	f := newFixture(t)
	f.gw.submitErr = apperr.Transient("inference provider unreachable", errors.New("dial tcp: refused"))

	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.Error(t, err)
	assert.True(t, apperr.ShouldRetry(err))
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "inference provider unreachable", job.ErrorMessage)
	assert.Equal(t, int64(20), f.balance(t, 1))
}

func TestPrepaidSubmitFailureRefundsOnce(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, 1, 100)
	f.gw.submitErr = apperr.Configuration("INFERENCE_API_KEY is not configured")

	job, err := f.orch.Submit(context.Background(), 1, "text_to_video", prompt)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.False(t, job.Charged)

	assert.Equal(t, int64(120), f.balance(t, 1))
	assert.Equal(t, int64(1), f.count(t, 1, models.TransactionTypeConsumption))
	assert.Equal(t, int64(1), f.count(t, 1, models.TransactionTypeRefund))
}

func TestPrepaidSubmitDebitsUpFront(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, 1, 100)

	job, err := f.orch.Submit(context.Background(), 1, "text_to_video", prompt)
	require.NoError(t, err)
	assert.True(t, job.Charged)
	assert.Equal(t, int64(80), f.balance(t, 1))

	f.gw.set(inference.StatusResult{Status: inference.StatusSucceeded, ResultRef: "https://cdn/v.mp4"})
	res, err := f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, res.Job.Status)
	assert.Equal(t, int64(80), f.balance(t, 1))
	assert.Equal(t, int64(1), f.count(t, 1, models.TransactionTypeConsumption))
}

func TestPollRunningMovesToProcessingOnce(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "image_upscale", prompt)
	require.NoError(t, err)

	f.gw.set(inference.StatusResult{Status: inference.StatusRunning})
	res, err := f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.JobStatusProcessing, res.Job.Status)
	assert.NotNil(t, res.Job.LastPolledAt)

	res, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.False(t, res.Transitioned)
	assert.Equal(t, models.JobStatusProcessing, res.Job.Status)
}

func TestPollSuccessDebitsOnceAndStopsPolling(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "face_swap", prompt)
	require.NoError(t, err)

	f.gw.set(inference.StatusResult{Status: inference.StatusSucceeded, ResultRef: "https://cdn/swap.png"})
	res, err := f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.JobStatusCompleted, res.Job.Status)
	assert.Equal(t, "https://cdn/swap.png", res.Job.ResultRef)
	assert.True(t, res.Job.Charged)
	assert.NotNil(t, res.Job.CompletedAt)
	assert.Equal(t, int64(15), f.balance(t, 1))

	callsBefore := f.gw.calls()
	for i := 0; i < 3; i++ {
		again, err := f.orch.Poll(context.Background(), 1, job.ID)
		require.NoError(t, err)
		assert.False(t, again.Transitioned)
		assert.Equal(t, res.Job.ResultRef, again.Job.ResultRef)
	}
	assert.Equal(t, callsBefore, f.gw.calls())
	assert.Equal(t, int64(1), f.count(t, 1, models.TransactionTypeConsumption))
}

func TestConcurrentSuccessPollsDebitExactlyOnce(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)
	f.gw.set(inference.StatusResult{Status: inference.StatusRunning})
	_, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)

	f.gw.set(inference.StatusResult{Status: inference.StatusSucceeded, ResultRef: "https://cdn/fox.png"})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Poll(context.Background(), 1, job.ID)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, models.JobStatusCompleted, res.Job.Status)
			assert.Equal(t, "https://cdn/fox.png", res.Job.ResultRef)
			if res.Transitioned {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, int64(1), f.count(t, 1, models.TransactionTypeConsumption))
	assert.Equal(t, int64(18), f.balance(t, 1))
}

func TestPollFailureLeavesLedgerAlone(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	f.gw.set(inference.StatusResult{Status: inference.StatusFailed, Error: "content policy"})
	res, err := f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, res.Job.Status)
	assert.Equal(t, "content policy", res.Job.ErrorMessage)
	assert.Empty(t, res.Job.ResultRef)
	assert.Equal(t, int64(20), f.balance(t, 1))
	assert.Zero(t, f.count(t, 1, models.TransactionTypeConsumption))
}

func TestPrepaidPollFailureRefunds(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, 1, 50)
	job, err := f.orch.Submit(context.Background(), 1, "image_to_video", prompt)
	require.NoError(t, err)
	assert.Equal(t, int64(35), f.balance(t, 1))

	f.gw.set(inference.StatusResult{Status: inference.StatusFailed, Error: "gpu oom"})
	for i := 0; i < 3; i++ {
		_, err := f.orch.Poll(context.Background(), 1, job.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(70), f.balance(t, 1))
	assert.Equal(t, int64(1), f.count(t, 1, models.TransactionTypeRefund))
}

func TestSettlementWithoutCreditsFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.orch.Submit(ctx, 1, "face_swap", prompt)
	require.NoError(t, err)

	_, err = f.ledger.Consume(ctx, 1, 18, "music_generation", "")
	require.NoError(t, err)

	f.gw.set(inference.StatusResult{Status: inference.StatusSucceeded, ResultRef: "https://cdn/swap.png"})
	res, err := f.orch.Poll(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, res.Job.Status)
	assert.Equal(t, MsgInsufficientToSettle, res.Job.ErrorMessage)
	assert.Empty(t, res.Job.ResultRef)
	assert.False(t, res.Job.Charged)
	assert.Equal(t, int64(2), f.balance(t, 1))
}

func TestPollOtherUsersJobIsNotFound(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	_, err = f.orch.Poll(context.Background(), 2, job.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPollTransientErrorKeepsJob(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	f.gw.mu.Lock()
	f.gw.statusErr = apperr.Transient("inference provider: Service Unavailable", nil)
	f.gw.mu.Unlock()

	_, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.Error(t, err)
	assert.True(t, apperr.ShouldRetry(err))

	reloaded, err := f.orch.Get(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, reloaded.Status)
	assert.Equal(t, 1, reloaded.PollErrors)
}

func TestPollPermanentErrorFailsJob(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	f.gw.mu.Lock()
	f.gw.statusErr = apperr.Permanent("inference provider rejected the request: job not found", nil)
	f.gw.mu.Unlock()

	res, err := f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.JobStatusFailed, res.Job.Status)
	assert.Contains(t, res.Job.ErrorMessage, "job not found")
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	ext := "ext-1"
	recent := now.Add(-time.Minute)

	jobs := []models.GenerationJob{
		{ID: "old", UserID: 1, Feature: "text_to_image", Status: models.JobStatusProcessing, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "orphan", UserID: 1, Feature: "text_to_image", Status: models.JobStatusPending, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "stale", UserID: 1, Feature: "text_to_image", Status: models.JobStatusSubmitted, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "fresh", UserID: 1, Feature: "text_to_image", Status: models.JobStatusProcessing, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-10 * time.Minute), LastPolledAt: &recent},
		{ID: "done", UserID: 1, Feature: "text_to_image", Status: models.JobStatusCompleted, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-3 * time.Hour)},
	}
	for i := range jobs {
		require.NoError(t, f.db.Create(&jobs[i]).Error)
	}

	res, err := f.orch.SweepStale(context.Background(), 5*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)
	assert.Equal(t, 1, res.Interrupted)
	assert.Equal(t, []string{"stale"}, res.Repoll)

	old, err := f.orch.Get(context.Background(), 1, "old")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, old.Status)
	assert.Equal(t, MsgTimedOut, old.ErrorMessage)

	orphan, err := f.orch.Get(context.Background(), 1, "orphan")
	require.NoError(t, err)
	assert.Equal(t, MsgSubmissionInterrupted, orphan.ErrorMessage)

	f.gw.set(inference.StatusResult{Status: inference.StatusSucceeded, ResultRef: "https://cdn/late.png"})
	polled, err := f.orch.Repoll(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, polled.Job.Status)
	assert.Equal(t, int64(18), f.balance(t, 1))
}

func TestSweepStaleHonorsLongerFeatureTimeout(t *testing.T) {
	f := newFixture(t)
	catalog, err := features.Parse([]byte("features:\n  - name: text_to_image\n    cost: 2\n  - name: long_render\n    cost: 2\n    timeout_seconds: 7200\n"))
	require.NoError(t, err)
	orch := NewOrchestrator(f.db, f.ledger, f.gw, catalog)

	now := time.Now().UTC()
	ext := "ext-1"
	jobs := []models.GenerationJob{
		{ID: "short", UserID: 1, Feature: "text_to_image", Status: models.JobStatusProcessing, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-90 * time.Minute)},
		{ID: "long", UserID: 1, Feature: "long_render", Status: models.JobStatusProcessing, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-90 * time.Minute)},
		{ID: "overdue", UserID: 1, Feature: "long_render", Status: models.JobStatusProcessing, BillingMode: models.BillingModeOnCompletion, CostCredits: 2, ExternalJobID: &ext, CreatedAt: now.Add(-3 * time.Hour)},
	}
	for i := range jobs {
		require.NoError(t, f.db.Create(&jobs[i]).Error)
	}

	res, err := orch.SweepStale(context.Background(), 5*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TimedOut)
	assert.Equal(t, []string{"long"}, res.Repoll)

	short, err := orch.Get(context.Background(), 1, "short")
	require.NoError(t, err)
	assert.Equal(t, MsgTimedOut, short.ErrorMessage)
}

func TestPollErrorSurvivesBookkeepingFailure(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_updates", func(db *gorm.DB) {
		_ = db.AddError(errors.New("disk full"))
	}))
	f.gw.mu.Lock()
	f.gw.statusErr = apperr.Transient("inference provider: Bad Gateway", nil)
	f.gw.mu.Unlock()

	_, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.Error(t, err)
	assert.True(t, apperr.ShouldRetry(err))
	assert.NotContains(t, err.Error(), "disk full")

	require.NoError(t, f.db.Callback().Update().Remove("test:fail_updates"))
	reloaded, err := f.orch.Get(context.Background(), 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, reloaded.Status)
	assert.Zero(t, reloaded.PollErrors)
}

func TestPollOutcomeMetrics(t *testing.T) {
	f := newFixture(t)
	job, err := f.orch.Submit(context.Background(), 1, "text_to_image", prompt)
	require.NoError(t, err)

	running := testutil.ToFloat64(metrics.JobPolls.WithLabelValues("running"))
	succeeded := testutil.ToFloat64(metrics.JobPolls.WithLabelValues("succeeded"))
	cached := testutil.ToFloat64(metrics.JobPolls.WithLabelValues(PollTerminalCached))

	f.gw.set(inference.StatusResult{Status: inference.StatusRunning})
	_, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)

	f.gw.set(inference.StatusResult{Status: inference.StatusSucceeded, ResultRef: "https://cdn/fox.png"})
	_, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)
	_, err = f.orch.Poll(context.Background(), 1, job.ID)
	require.NoError(t, err)

	assert.Equal(t, running+1, testutil.ToFloat64(metrics.JobPolls.WithLabelValues("running")))
	assert.Equal(t, succeeded+1, testutil.ToFloat64(metrics.JobPolls.WithLabelValues("succeeded")))
	assert.Equal(t, cached+1, testutil.ToFloat64(metrics.JobPolls.WithLabelValues(PollTerminalCached)))
}
