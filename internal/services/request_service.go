package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/clarify"
	"github.com/lessonreel/lessonreel-backend/internal/ctxutil"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/repos"
	"github.com/lessonreel/lessonreel-backend/internal/types"
)

// ErrInvalidRequest marks intake-time validation failures so the HTTP layer
// can answer 400 instead of 500.
var ErrInvalidRequest = errors.New("invalid request")

var ErrRequestNotFound = errors.New("request not found")

// SubmitInput is the intake payload for a new generation request.
type SubmitInput struct {
	StudentID  string         `json:"student_id"`
	GradeLevel int            `json:"grade_level"`
	Query      string         `json:"query"`
	Student    map[string]any `json:"student,omitempty"`
}

// SubmitResult is either an accepted request or a clarification demand,
// never both.
type SubmitResult struct {
	Accepted      *types.ContentRequest
	Clarification *clarify.Decision
}

// StatusView is the polling projection of a request. Internal bookkeeping
// (retry counts, raw stage outputs) stays out of it.
type StatusView struct {
	RequestID       uuid.UUID `json:"request_id"`
	CorrelationID   string    `json:"correlation_id"`
	Status          string    `json:"status"`
	CurrentStage    string    `json:"current_stage"`
	Progress        int       `json:"progress_percent"`
	ResultReference string    `json:"result_reference,omitempty"`
	ErrorReason     string    `json:"error_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RequestService owns intake: clarifier fast path, durable record creation,
// and handoff to the pipeline queue.
type RequestService interface {
	Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error)
	// RequeueStale republishes pending requests whose enqueue never
	// happened (publish failed after the row committed). Returns how many
	// it republished.
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type requestService struct {
	db      *gorm.DB
	repo    repos.ContentRequestRepo
	queue   broker.Broker
	checker *clarify.Checker
	log     *logger.Logger

	maxQueryLen int
}

func NewRequestService(db *gorm.DB, repo repos.ContentRequestRepo, queue broker.Broker, checker *clarify.Checker, baseLog *logger.Logger) RequestService {
	return &requestService{
		db:          db,
		repo:        repo,
		queue:       queue,
		checker:     checker,
		log:         baseLog.With("service", "RequestService"),
		maxQueryLen: 2000,
	}
}

func (s *requestService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if len(query) > s.maxQueryLen {
		return nil, fmt.Errorf("%w: query exceeds %d characters", ErrInvalidRequest, s.maxQueryLen)
	}
	if in.GradeLevel < 1 || in.GradeLevel > 12 {
		return nil, fmt.Errorf("%w: grade_level must be between 1 and 12", ErrInvalidRequest)
	}

	// Fast path: no record, no queue traffic, answered inline.
	if dec := s.checker.Check(query, in.GradeLevel); dec.NeedsClarification {
		s.log.Info("clarification required", "reasoning", dec.Reasoning)
		return &SubmitResult{Clarification: &dec}, nil
	}

	correlationID := uuid.NewString()
	if td := ctxutil.GetTraceData(ctx); td != nil && td.CorrelationID != "" {
		correlationID = td.CorrelationID
	}
	req := &types.ContentRequest{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		StudentID:     in.StudentID,
		GradeLevel:    in.GradeLevel,
		Query:         query,
		Status:        types.StatusPending,
		CurrentStage:  string(types.StatusPending),
		Progress:      types.StageProgress[types.StatusPending],
	}
	if in.Student != nil {
		raw, err := json.Marshal(in.Student)
		if err != nil {
			return nil, fmt.Errorf("%w: student payload not serializable", ErrInvalidRequest)
		}
		req.Payload = datatypes.JSON(raw)
	}

	if err := s.repo.Create(ctx, nil, req); err != nil {
		return nil, fmt.Errorf("create content request: %w", err)
	}

	// The row is durable before the publish. If the publish fails the
	// request is still accepted; the stale sweep republishes it.
	msg := broker.Message{
		RequestID:     req.ID.String(),
		CorrelationID: req.CorrelationID,
		Payload: map[string]any{
			"student_query": query,
			"grade_level":   in.GradeLevel,
			"student_id":    in.StudentID,
		},
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		s.log.Error("publish failed, leaving request for requeue sweep",
			"request_id", req.ID, "error", err)
		return &SubmitResult{Accepted: req}, nil
	}
	if err := s.repo.MarkEnqueued(ctx, nil, req.ID); err != nil {
		// Worst case the sweep republishes once more; delivery is
		// at-least-once anyway.
		s.log.Warn("mark enqueued failed", "request_id", req.ID, "error", err)
	}
	s.log.Info("request accepted", "request_id", req.ID, "grade_level", in.GradeLevel)
	return &SubmitResult{Accepted: req}, nil
}

func (s *requestService) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	req, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("load content request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	view := &StatusView{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		Status:        string(req.Status),
		CurrentStage:  req.CurrentStage,
		Progress:      req.Progress,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
	}
	switch req.Status {
	case types.StatusCompleted:
		view.ResultReference = req.ResultReference
	case types.StatusFailed:
		view.ErrorReason = req.ErrorReason
	}
	return view, nil
}

func (s *requestService) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.repo.ListUnenqueued(ctx, nil, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list unenqueued requests: %w", err)
	}
	count := 0
	for _, req := range stale {
		msg := broker.Message{
			RequestID:     req.ID.String(),
			CorrelationID: req.CorrelationID,
			Payload: map[string]any{
				"student_query": req.Query,
				"grade_level":   req.GradeLevel,
				"student_id":    req.StudentID,
			},
		}
		if err := s.queue.Publish(ctx, msg); err != nil {
			s.log.Error("requeue publish failed", "request_id", req.ID, "error", err)
			continue
		}
		if err := s.repo.MarkEnqueued(ctx, nil, req.ID); err != nil {
			s.log.Warn("mark enqueued failed on requeue", "request_id", req.ID, "error", err)
		}
		count++
	}
	if count > 0 {
		s.log.Info("requeued stale requests", "count", count)
	}
	return count, nil
}
