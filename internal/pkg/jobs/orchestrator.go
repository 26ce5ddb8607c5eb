// Package jobs runs paid generation features as jobs against the inference
// provider and settles their cost with the ledger exactly once.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/features"
	"github.com/ManuelReschke/CreditFox/internal/pkg/inference"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics"
)

const (
	MsgInsufficientToSettle  = "insufficient credits to settle job"
	MsgTimedOut              = "timed out"
	MsgSubmissionInterrupted = "submission interrupted"

	maxInputBytes = 256 << 10
)

// Outcome labels of the job poll counter besides the lower-cased provider
// status (queued, running, succeeded, failed).
const (
	PollTerminalCached = "terminal_cached"
	PollLostRace       = "lost_race"
	PollError          = "error"
	PollPermanentError = "permanent_error"
)

// Orchestrator owns the generation job state machine.
type Orchestrator struct {
	db      *gorm.DB
	ledger  *ledger.Service
	gateway inference.Gateway
	catalog *features.Catalog
	now     func() time.Time
}

// PollResult is a job snapshot after a poll. Transitioned is true only for
// the caller whose poll moved the job.
type PollResult struct {
	Job          *models.GenerationJob
	Transitioned bool
}

// NewOrchestrator wires the job state machine.
func NewOrchestrator(db *gorm.DB, l *ledger.Service, gw inference.Gateway, catalog *features.Catalog) *Orchestrator {
	return &Orchestrator{
		db:      db,
		ledger:  l,
		gateway: gw,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the request, checks the balance, records the job and
// hands it to the provider. A job that fails to submit is returned in state
// FAILED together with the provider error.
func (o *Orchestrator) Submit(ctx context.Context, userID uint, featureName string, input map[string]interface{}) (*models.GenerationJob, error) {
	if userID == 0 {
		return nil, apperr.Auth("authentication required")
	}
	feat, ok := o.catalog.Get(featureName)
	if !ok {
		return nil, apperr.Validation("unknown feature %q", strings.TrimSpace(featureName))
	}
	if len(input) == 0 {
		return nil, apperr.Validation("input is required")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, apperr.Validation("input is not valid JSON: %v", err)
	}
	if len(raw) > maxInputBytes {
		return nil, apperr.Validation("input exceeds %d bytes", maxInputBytes)
	}

	if err := o.ledger.AssertSufficientBalance(ctx, userID, feat.Cost); err != nil {
		return nil, err
	}

	job := &models.GenerationJob{
		ID:          uuid.NewString(),
		UserID:      userID,
		Feature:     feat.Name,
		Status:      models.JobStatusPending,
		BillingMode: feat.BillingMode,
		CostCredits: feat.Cost,
		InputJSON:   string(raw),
	}
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		if feat.BillingMode != models.BillingModePrepaid {
			return nil
		}
		if _, err := o.ledger.WithTx(tx).Consume(ctx, userID, feat.Cost, feat.Name, job.ID); err != nil {
			return err
		}
		job.Charged = true
		return tx.Model(job).Update("charged", true).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.JobTransitions.WithLabelValues(job.Feature, string(models.JobStatusPending)).Inc()

	externalID, err := o.gateway.Submit(ctx, inference.SubmitRequest{
		Feature: feat.Name,
		Model:   feat.Model,
		Input:   input,
	})
	if err != nil {
		log.Errorf("[Jobs] Submit of job %s (%s) failed: %v", job.ID, job.Feature, err)
		if _, ferr := o.fail(ctx, job, apperr.Message(err, "submission failed")); ferr != nil {
			return nil, ferr
		}
		failed, lerr := o.load(ctx, job.ID)
		if lerr != nil {
			return nil, lerr
		}
		return failed, err
	}

	res := o.db.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":          models.JobStatusSubmitted,
			"external_job_id": externalID,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		metrics.JobTransitions.WithLabelValues(job.Feature, string(models.JobStatusSubmitted)).Inc()
		log.Infof("[Jobs] Job %s (%s) submitted as %s", job.ID, job.Feature, externalID)
	}
	return o.load(ctx, job.ID)
}

// Get returns the caller's job without contacting the provider.
func (o *Orchestrator) Get(ctx context.Context, userID uint, jobID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	err := o.db.WithContext(ctx).Where("id = ? AND user_id = ?", jobID, userID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("job")
		}
		return nil, err
	}
	return &job, nil
}

// List returns the caller's most recent jobs.
func (o *Orchestrator) List(ctx context.Context, userID uint, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.GenerationJob
	err := o.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Poll refreshes the caller's job from the provider. Terminal jobs are
// returned as stored and the provider is not contacted.
func (o *Orchestrator) Poll(ctx context.Context, userID uint, jobID string) (*PollResult, error) {
	job, err := o.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return o.poll(ctx, job)
}

// Repoll refreshes a job on behalf of the background sweeper.
func (o *Orchestrator) Repoll(ctx context.Context, jobID string) (*PollResult, error) {
	job, err := o.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.poll(ctx, job)
}

func (o *Orchestrator) poll(ctx context.Context, job *models.GenerationJob) (*PollResult, error) {
	if job.Status.IsTerminal() {
		metrics.JobPolls.WithLabelValues(PollTerminalCached).Inc()
		return &PollResult{Job: job}, nil
	}
	if job.ExternalJobID == nil {
		return &PollResult{Job: job}, nil
	}

	status, err := o.gateway.Status(ctx, *job.ExternalJobID)
	now := o.now()
	if err != nil {
		uerr := o.db.WithContext(ctx).Model(&models.GenerationJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"poll_errors":    gorm.Expr("poll_errors + 1"),
				"last_polled_at": now,
			}).Error
		if uerr != nil {
			log.Warnf("[Jobs] Could not record poll error for job %s: %v", job.ID, uerr)
		}
		if apperr.KindOf(err) == apperr.KindExternalPermanent {
			metrics.JobPolls.WithLabelValues(PollPermanentError).Inc()
			moved, ferr := o.fail(ctx, job, apperr.Message(err, "provider rejected the job"))
			if ferr != nil {
				return nil, ferr
			}
			reloaded, lerr := o.load(ctx, job.ID)
			if lerr != nil {
				return nil, lerr
			}
			return &PollResult{Job: reloaded, Transitioned: moved}, nil
		}
		metrics.JobPolls.WithLabelValues(PollError).Inc()
		return nil, err
	}
	var moved bool
	outcome := strings.ToLower(string(status.Status))
	switch status.Status {
	case inference.StatusSucceeded:
		moved, err = o.complete(ctx, job, status.ResultRef)
		if !moved {
			outcome = PollLostRace
		}
	case inference.StatusFailed:
		moved, err = o.fail(ctx, job, status.Error)
		if !moved {
			outcome = PollLostRace
		}
	default:
		moved, err = o.markProcessing(ctx, job, now)
	}
	if err != nil {
		metrics.JobPolls.WithLabelValues(PollError).Inc()
		return nil, err
	}
	metrics.JobPolls.WithLabelValues(outcome).Inc()

	reloaded, err := o.load(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return &PollResult{Job: reloaded, Transitioned: moved}, nil
}

func (o *Orchestrator) markProcessing(ctx context.Context, job *models.GenerationJob, now time.Time) (bool, error) {
	res := o.db.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusSubmitted).
		Updates(map[string]interface{}{
			"status":         models.JobStatusProcessing,
			"last_polled_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		err := o.db.WithContext(ctx).Model(&models.GenerationJob{}).
			Where("id = ?", job.ID).
			Update("last_polled_at", now).Error
		return false, err
	}
	metrics.JobTransitions.WithLabelValues(job.Feature, string(models.JobStatusProcessing)).Inc()
	return true, nil
}

// complete moves the job to COMPLETED and settles its cost in one database
// transaction. Only the poller whose guarded update matches a non-terminal
// row reaches the ledger.
func (o *Orchestrator) complete(ctx context.Context, job *models.GenerationJob, resultRef string) (bool, error) {
	var moved, unsettled bool
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.now()
		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status IN ?", job.ID, models.NonTerminalJobStatuses).
			Updates(map[string]interface{}{
				"status":         models.JobStatusCompleted,
				"result_ref":     resultRef,
				"completed_at":   now,
				"last_polled_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true

		if job.BillingMode == models.BillingModePrepaid || job.Charged {
			return nil
		}
		_, err := o.ledger.WithTx(tx).Consume(ctx, job.UserID, job.CostCredits, job.Feature, job.ID)
		if errors.Is(err, apperr.ErrInsufficientCredits) {
			unsettled = true
			return tx.Model(&models.GenerationJob{}).
				Where("id = ?", job.ID).
				Updates(map[string]interface{}{
					"status":        models.JobStatusFailed,
					"result_ref":    "",
					"error_message": MsgInsufficientToSettle,
				}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&models.GenerationJob{}).Where("id = ?", job.ID).Update("charged", true).Error
	})
	if err != nil {
		return false, err
	}
	if !moved {
		return false, nil
	}
	if unsettled {
		metrics.JobTransitions.WithLabelValues(job.Feature, string(models.JobStatusFailed)).Inc()
		log.Warnf("[Jobs] Job %s completed upstream but user %d could not pay %d credits", job.ID, job.UserID, job.CostCredits)
		return true, nil
	}
	metrics.JobTransitions.WithLabelValues(job.Feature, string(models.JobStatusCompleted)).Inc()
	log.Infof("[Jobs] Job %s (%s) completed", job.ID, job.Feature)
	return true, nil
}

// fail moves the job to FAILED. A prepaid job that was charged is refunded in
// the same transaction, so the refund happens at most once.
func (o *Orchestrator) fail(ctx context.Context, job *models.GenerationJob, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "generation failed"
	}
	var moved, refunded bool
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.now()
		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status IN ?", job.ID, models.NonTerminalJobStatuses).
			Updates(map[string]interface{}{
				"status":         models.JobStatusFailed,
				"error_message":  reason,
				"completed_at":   now,
				"last_polled_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true

		var current models.GenerationJob
		if err := tx.Select("charged", "billing_mode").Where("id = ?", job.ID).First(&current).Error; err != nil {
			return err
		}
		if current.BillingMode != models.BillingModePrepaid || !current.Charged {
			return nil
		}
		if _, err := o.ledger.WithTx(tx).Refund(ctx, job.UserID, job.CostCredits, job.Feature, job.ID); err != nil {
			return err
		}
		refunded = true
		return tx.Model(&models.GenerationJob{}).Where("id = ?", job.ID).Update("charged", false).Error
	})
	if err != nil {
		return false, err
	}
	if moved {
		metrics.JobTransitions.WithLabelValues(job.Feature, string(models.JobStatusFailed)).Inc()
		log.Infof("[Jobs] Job %s (%s) failed: %s (refunded=%t)", job.ID, job.Feature, reason, refunded)
	}
	return moved, nil
}

func (o *Orchestrator) load(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := o.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("job")
		}
		return nil, err
	}
	return &job, nil
}
