package app

import (
	"gorm.io/gorm"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/clarify"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/pipeline"
	"github.com/lessonreel/lessonreel-backend/internal/services"
)

type Services struct {
	Requests services.RequestService
	Worker   *pipeline.Worker
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos, queue broker.Broker) (Services, error) {
	log.Info("Wiring services...")

	checker := clarify.NewChecker(cfg.ClarifierMinWords)
	requestService := services.NewRequestService(db, reposet.ContentRequest, queue, checker, log)

	execSet, err := wireExecutors(log, cfg)
	if err != nil {
		return Services{}, err
	}
	worker := pipeline.NewWorker(log, reposet.ContentRequest, queue, execSet, pipeline.WorkerConfig{
		Concurrency:         cfg.WorkerConcurrency,
		PoisonWarnThreshold: cfg.PoisonWarnThreshold,
		MaxAttempts:         cfg.MaxAttempts,
		LeaseRenewInterval:  cfg.LeaseRenewInterval,
	})

	return Services{
		Requests: requestService,
		Worker:   worker,
	}, nil
}
