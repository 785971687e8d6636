package app

import (
	"time"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/utils"
)

type Config struct {
	Port string

	// Queue selection and delivery semantics.
	QueueProvider string
	QueueStream   string
	QueueGroup    string
	MaxAttempts   int
	Lease         time.Duration

	// Pipeline worker pool.
	PipelineProvider    string
	WorkerConcurrency   int
	PoisonWarnThreshold int
	LeaseRenewInterval  time.Duration

	// Intake.
	ClarifierMinWords int

	// Requeue sweep for accepted-but-never-published requests.
	SweepInterval  time.Duration
	SweepOlderThan time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port: utils.GetEnv("PORT", "8080", log),

		QueueProvider: utils.GetEnv("QUEUE_PROVIDER", "redis", log),
		QueueStream:   utils.GetEnv("QUEUE_STREAM", "content_requests", log),
		QueueGroup:    utils.GetEnv("QUEUE_GROUP", "pipeline_workers", log),
		MaxAttempts:   utils.GetEnvAsInt("QUEUE_MAX_ATTEMPTS", 5, log),
		Lease:         utils.GetEnvAsDuration("QUEUE_LEASE", 2*time.Minute, log),

		PipelineProvider:    utils.GetEnv("PIPELINE_PROVIDER", "live", log),
		WorkerConcurrency:   utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		PoisonWarnThreshold: utils.GetEnvAsInt("POISON_WARN_THRESHOLD", 3, log),
		LeaseRenewInterval:  utils.GetEnvAsDuration("LEASE_RENEW_INTERVAL", 30*time.Second, log),

		ClarifierMinWords: utils.GetEnvAsInt("CLARIFIER_MIN_WORDS", 5, log),

		SweepInterval:  utils.GetEnvAsDuration("REQUEUE_SWEEP_INTERVAL", time.Minute, log),
		SweepOlderThan: utils.GetEnvAsDuration("REQUEUE_SWEEP_OLDER_THAN", 2*time.Minute, log),
	}
}
