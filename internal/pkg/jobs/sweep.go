package jobs

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/app/models"
)

const sweepBatchSize = 200

// SweepResult lists what a stale-job sweep did.
type SweepResult struct {
	TimedOut    int
	Interrupted int
	Repoll      []string
}

// SweepStale finds non-terminal jobs nobody polled for staleAfter. Jobs older
// than maxAge, or than their feature's timeout when that is longer, are
// failed, submissions that never reached the provider are failed, and the
// rest are returned for a background re-poll.
func (o *Orchestrator) SweepStale(ctx context.Context, staleAfter, maxAge time.Duration) (*SweepResult, error) {
	now := o.now()
	cutoff := now.Add(-staleAfter)

	var stale []models.GenerationJob
	err := o.db.WithContext(ctx).
		Where("status IN ?", models.NonTerminalJobStatuses).
		Where("((last_polled_at IS NULL AND created_at <= ?) OR last_polled_at <= ?)", cutoff, cutoff).
		Order("created_at ASC").
		Limit(sweepBatchSize).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}

	out := &SweepResult{}
	for i := range stale {
		job := &stale[i]
		switch {
		case !job.CreatedAt.After(now.Add(-o.maxAge(job, maxAge))):
			moved, err := o.fail(ctx, job, MsgTimedOut)
			if err != nil {
				log.Errorf("[Jobs] Failed to time out job %s: %v", job.ID, err)
				continue
			}
			if moved {
				out.TimedOut++
			}
		case job.ExternalJobID == nil:
			moved, err := o.fail(ctx, job, MsgSubmissionInterrupted)
			if err != nil {
				log.Errorf("[Jobs] Failed to close interrupted job %s: %v", job.ID, err)
				continue
			}
			if moved {
				out.Interrupted++
			}
		default:
			out.Repoll = append(out.Repoll, job.ID)
		}
	}
	if len(stale) > 0 {
		log.Infof("[Jobs] Stale sweep: %d candidates, %d timed out, %d interrupted, %d to re-poll",
			len(stale), out.TimedOut, out.Interrupted, len(out.Repoll))
	}
	return out, nil
}

func (o *Orchestrator) maxAge(job *models.GenerationJob, floor time.Duration) time.Duration {
	if feat, ok := o.catalog.Get(job.Feature); ok && feat.Timeout() > floor {
		return feat.Timeout()
	}
	return floor
}
