package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/repos"
	"github.com/lessonreel/lessonreel-backend/internal/types"
)

type WorkerConfig struct {
	Concurrency int
	// PoisonWarnThreshold is the delivery attempt at which a still-failing
	// message is logged as a warning, before dead-lettering occurs.
	PoisonWarnThreshold int
	// MaxAttempts mirrors the broker's dead-letter budget; only used for
	// operator-facing log context.
	MaxAttempts int
	// LeaseRenewInterval is how often the in-flight delivery's lease is
	// extended while stage calls run. Must be well under the broker lease.
	LeaseRenewInterval time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.PoisonWarnThreshold <= 0 {
		c.PoisonWarnThreshold = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = 20 * time.Second
	}
}

// Worker is the pool of pipeline consumers. Each goroutine pulls
// deliveries independently; messages for different requests process in
// parallel, while a single message's stage calls run strictly in order.
// All cross-worker coordination happens through the repo's conditional
// updates, never locks.
type Worker struct {
	log       *logger.Logger
	repo      repos.ContentRequestRepo
	broker    broker.Broker
	executors ExecutorSet
	cfg       WorkerConfig
}

func NewWorker(baseLog *logger.Logger, repo repos.ContentRequestRepo, b broker.Broker, executors ExecutorSet, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	return &Worker{
		log:       baseLog.With("component", "PipelineWorker"),
		repo:      repo,
		broker:    b,
		executors: executors,
		cfg:       cfg,
	}
}

// Start launches the pool and returns. The pool stops when ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("Worker pool exited", "error", err)
		}
	}()
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting pipeline worker pool", "concurrency", w.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.runLoop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	log := w.log.With("worker_id", workerID)
	for {
		d, err := w.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Worker loop stopped")
				return
			}
			log.Warn("Receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, d)
	}
}

// process runs the per-message algorithm: schema validation, idempotency
// check, poison warning, then the stage chain.
func (w *Worker) process(ctx context.Context, d broker.Delivery) {
	msg := d.Message()

	reqID, verr := validateMessage(msg)
	if verr != nil {
		// Retrying a structurally invalid message can never succeed;
		// burning the redelivery budget on it would only delay the
		// inevitable. Ack-and-drop, logged as an error for operators.
		w.log.Error("Dropping structurally invalid message",
			"error", verr,
			"message", fmt.Sprintf("%+v", msg),
			"delivery_attempt", d.Attempt(),
		)
		_ = d.Ack(ctx)
		return
	}

	log := w.log.With("request_id", msg.RequestID, "correlation_id", msg.CorrelationID)

	req, err := w.repo.GetByID(ctx, nil, reqID)
	if err != nil {
		log.Warn("Failed to load request, message will be redelivered", "error", err)
		_ = d.Nack(ctx, err)
		return
	}
	if req == nil {
		log.Error("Message references unknown request, dropping", "delivery_attempt", d.Attempt())
		_ = d.Ack(ctx)
		return
	}

	if req.Status.Terminal() {
		log.Debug("Duplicate delivery of finished request", "status", req.Status)
		_ = d.Ack(ctx)
		return
	}

	if d.Attempt() >= w.cfg.PoisonWarnThreshold {
		log.Warn("Message approaching dead-letter routing",
			"delivery_attempt", d.Attempt(),
			"max_attempts", w.cfg.MaxAttempts,
			"status", req.Status,
		)
	}

	// Keep the lease alive while stage calls run; video rendering can take
	// minutes, and an expired lease is a crash as far as the broker knows.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go w.renewLease(renewCtx, d, log)

	w.runChain(ctx, d, req, log)
}

func (w *Worker) renewLease(ctx context.Context, d broker.Delivery, log *logger.Logger) {
	ticker := time.NewTicker(w.cfg.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Extend(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Lease renewal failed", "error", err)
			}
		}
	}
}

// runChain drives the request through the canonical stage order, one
// conditional update per transition. Entering a stage is the claim: the
// loser of any race acks its delivery and exits without executing further
// stages.
func (w *Worker) runChain(ctx context.Context, d broker.Delivery, req *types.ContentRequest, log *logger.Logger) {
	outputs := decodeOutputs(req.StageOutputs)
	status := req.Status

	if status == types.StatusPending {
		first := types.StageOrder[0]
		won, err := w.claimStage(ctx, req.ID, types.StatusPending, first, outputs)
		if err != nil {
			log.Warn("Stage claim failed, message will be redelivered", "stage", first, "error", err)
			_ = d.Nack(ctx, err)
			return
		}
		if !won {
			log.Debug("Lost claim race, another worker owns this request")
			_ = d.Ack(ctx)
			return
		}
		status = first
	}

	for {
		stage := status
		exec, ok := w.executors[stage]
		if !ok {
			// Configuration hole, not an input problem, but retrying on the
			// same deployment cannot fix it either.
			reason := fmt.Sprintf("no executor configured for stage %s", stage)
			log.Error("Stage dispatch failed", "stage", stage, "error", reason)
			_, _ = w.repo.MarkFailed(ctx, nil, req.ID, reason)
			_ = d.Ack(ctx)
			return
		}

		res, err := exec.Execute(ctx, StageContext{
			RequestID:     req.ID,
			CorrelationID: req.CorrelationID,
			Query:         req.Query,
			GradeLevel:    req.GradeLevel,
			Student:       decodeOutputs(req.Payload),
			Outputs:       outputs,
		})
		if err != nil {
			w.handleStageErr(ctx, d, req, stage, err, log)
			return
		}
		if res != nil {
			for k, v := range res.Outputs {
				outputs[k] = v
			}
		}

		next, hasNext := types.NextStage(stage)
		if !hasNext {
			w.complete(ctx, d, req, stage, res, outputs, log)
			return
		}

		won, terr := w.claimStage(ctx, req.ID, stage, next, outputs)
		if terr != nil {
			log.Warn("Stage transition failed, message will be redelivered", "from", stage, "to", next, "error", terr)
			_ = d.Nack(ctx, terr)
			return
		}
		if !won {
			log.Debug("Lost transition race, another worker advanced this request", "from", stage, "to", next)
			_ = d.Ack(ctx)
			return
		}
		log.Info("Stage completed", "stage", stage, "next", next, "progress", types.StageProgress[next])
		status = next
	}
}

func (w *Worker) handleStageErr(ctx context.Context, d broker.Delivery, req *types.ContentRequest, stage types.RequestStatus, err error, log *logger.Logger) {
	if Classify(err) == ErrPermanent {
		log.Error("Stage failed permanently, marking request failed",
			"stage", stage,
			"error", err,
		)
		won, ferr := w.repo.MarkFailed(ctx, nil, req.ID, err.Error())
		if ferr != nil {
			// The terminal write itself failed; keep the message alive so
			// redelivery can commit the failure.
			log.Warn("Failed to persist terminal failure, message will be redelivered", "error", ferr)
			_ = d.Nack(ctx, ferr)
			return
		}
		if !won {
			log.Debug("Request already terminal while marking failed")
		}
		_ = d.Ack(ctx)
		return
	}

	log.Warn("Stage failed transiently, message will be redelivered",
		"stage", stage,
		"delivery_attempt", d.Attempt(),
		"error", err,
	)
	if rerr := w.repo.IncrementRetry(ctx, nil, req.ID); rerr != nil {
		log.Warn("Failed to increment retry count", "error", rerr)
	}
	_ = d.Nack(ctx, err)
}

func (w *Worker) complete(ctx context.Context, d broker.Delivery, req *types.ContentRequest, lastStage types.RequestStatus, res *StageResult, outputs map[string]any, log *logger.Logger) {
	resultRef := ""
	if res != nil {
		resultRef = res.OutputReference
	}
	if resultRef == "" {
		if v, ok := outputs["result_reference"].(string); ok {
			resultRef = v
		}
	}
	updates := map[string]interface{}{
		"status":           types.StatusCompleted,
		"progress":         types.StageProgress[types.StatusCompleted],
		"result_reference": resultRef,
		"stage_outputs":    encodeOutputs(outputs),
	}
	won, err := w.repo.Transition(ctx, nil, req.ID, lastStage, updates)
	if err != nil {
		log.Warn("Completion commit failed, message will be redelivered", "error", err)
		_ = d.Nack(ctx, err)
		return
	}
	if !won {
		log.Debug("Lost completion race, another worker finished this request")
		_ = d.Ack(ctx)
		return
	}
	log.Info("Request completed", "result_reference", resultRef)
	_ = d.Ack(ctx)
}

func (w *Worker) claimStage(ctx context.Context, id uuid.UUID, from, to types.RequestStatus, outputs map[string]any) (bool, error) {
	return w.repo.Transition(ctx, nil, id, from, map[string]interface{}{
		"status":        to,
		"current_stage": string(to),
		"progress":      types.StageProgress[to],
		"stage_outputs": encodeOutputs(outputs),
	})
}

// validateMessage enforces the wire schema: identifiers well-formed and the
// stage-agnostic payload carrying the student query.
func validateMessage(msg broker.Message) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(msg.RequestID))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("malformed request_id %q", msg.RequestID)
	}
	if strings.TrimSpace(msg.CorrelationID) == "" {
		return uuid.Nil, fmt.Errorf("missing correlation_id")
	}
	q, ok := msg.Payload["student_query"].(string)
	if !ok || strings.TrimSpace(q) == "" {
		return uuid.Nil, fmt.Errorf("payload missing student_query")
	}
	return id, nil
}

func decodeOutputs(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func encodeOutputs(outputs map[string]any) datatypes.JSON {
	if outputs == nil {
		outputs = map[string]any{}
	}
	b, _ := json.Marshal(outputs)
	return datatypes.JSON(b)
}
