package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/stillpoint/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAINTENANCE JOBS
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterRedeliverer is satisfied by *messaging.Dispatcher.
type DeadLetterRedeliverer interface {
	Redeliver(ctx context.Context) (delivered, failed int)
}

// RedeliverDeadLettersJob retries event deliveries that exhausted their
// attempts, e.g. after a Redis outage has ended.
type RedeliverDeadLettersJob struct {
	dispatcher DeadLetterRedeliverer
	log        *logger.Logger
}

// NewRedeliverDeadLettersJob creates the job.
func NewRedeliverDeadLettersJob(d DeadLetterRedeliverer, log *logger.Logger) *RedeliverDeadLettersJob {
	if log == nil {
		log = logger.Default()
	}
	return &RedeliverDeadLettersJob{dispatcher: d, log: log}
}

func (j *RedeliverDeadLettersJob) Name() string { return "redeliver_dead_letters" }

func (j *RedeliverDeadLettersJob) Description() string {
	return "Retries event deliveries parked in the dead letter queue"
}

// Run fails when some entries could not be delivered, so the scheduler
// counts the run as failed.
func (j *RedeliverDeadLettersJob) Run(ctx context.Context) error {
	delivered, failed := j.dispatcher.Redeliver(ctx)
	if delivered > 0 {
		j.log.Info("dead letters redelivered", logger.Int("delivered", delivered))
	}
	if failed > 0 {
		return fmt.Errorf("%d dead letters still failing", failed)
	}
	return nil
}

// IdleEvicter is satisfied by *engine.Manager.
type IdleEvicter interface {
	EvictIdle(idle time.Duration) int
	Len() int
}

// EvictIdleEnginesJob drops cached profile engines that have not been used
// for a while, bounding server memory by active users.
type EvictIdleEnginesJob struct {
	manager IdleEvicter
	idle    time.Duration
	log     *logger.Logger
}

// NewEvictIdleEnginesJob creates the job.
func NewEvictIdleEnginesJob(m IdleEvicter, idle time.Duration, log *logger.Logger) *EvictIdleEnginesJob {
	if log == nil {
		log = logger.Default()
	}
	return &EvictIdleEnginesJob{manager: m, idle: idle, log: log}
}

func (j *EvictIdleEnginesJob) Name() string { return "evict_idle_engines" }

func (j *EvictIdleEnginesJob) Description() string {
	return fmt.Sprintf("Evicts profile engines idle for more than %s", j.idle)
}

func (j *EvictIdleEnginesJob) Run(context.Context) error {
	if n := j.manager.EvictIdle(j.idle); n > 0 {
		j.log.Info("idle engines evicted",
			logger.Int("evicted", n),
			logger.Int("cached", j.manager.Len()),
		)
	}
	return nil
}
