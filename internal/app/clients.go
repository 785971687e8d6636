package app

import (
	"fmt"
	"os"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/clients/gcp"
	"github.com/lessonreel/lessonreel-backend/internal/clients/openai"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/pipeline"
	"github.com/lessonreel/lessonreel-backend/internal/pipeline/executors"
)

// wireQueue selects the message transport once, at startup. Redis Streams
// in deployment; the in-memory broker for local runs and tests.
func wireQueue(log *logger.Logger, cfg Config) (broker.Broker, error) {
	switch cfg.QueueProvider {
	case "redis":
		hostname, _ := os.Hostname()
		return broker.NewStream(log, broker.StreamOptions{
			Stream:      cfg.QueueStream,
			DeadStream:  cfg.QueueStream + ":dead",
			Group:       cfg.QueueGroup,
			Consumer:    hostname,
			MaxAttempts: cfg.MaxAttempts,
			Lease:       cfg.Lease,
		})
	case "memory":
		return broker.NewMemory(log, broker.MemoryOptions{
			MaxAttempts: cfg.MaxAttempts,
			Lease:       cfg.Lease,
		}), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_PROVIDER %q", cfg.QueueProvider)
	}
}

// wireExecutors builds the stage executor set for the configured provider
// mode. Mock mode needs no credentials and runs the chain in-process.
func wireExecutors(log *logger.Logger, cfg Config) (pipeline.ExecutorSet, error) {
	switch cfg.PipelineProvider {
	case "mock":
		return executors.NewMockSet(), nil
	case "live":
		aiClient, err := openai.NewClient(log)
		if err != nil {
			return nil, fmt.Errorf("init openai client: %w", err)
		}
		tts, err := gcp.NewTextToSpeech(log)
		if err != nil {
			return nil, fmt.Errorf("init text-to-speech client: %w", err)
		}
		bucket, err := gcp.NewBucketService(log)
		if err != nil {
			return nil, fmt.Errorf("init bucket service: %w", err)
		}
		return executors.NewLiveSet(log, aiClient, tts, bucket), nil
	default:
		return nil, fmt.Errorf("unknown PIPELINE_PROVIDER %q", cfg.PipelineProvider)
	}
}
