package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RequestStatus is the state-machine position of a ContentRequest. The
// non-terminal values after "pending" double as stage names: status=X means
// stage X has been claimed and is the one currently running (or awaiting
// redelivery after a transient failure).
type RequestStatus string

const (
	StatusPending           RequestStatus = "pending"
	StatusValidating        RequestStatus = "validating"
	StatusExtractingTopic   RequestStatus = "extracting_topic"
	StatusRetrievingContext RequestStatus = "retrieving_context"
	StatusGeneratingScript  RequestStatus = "generating_script"
	StatusSynthesizingAudio RequestStatus = "synthesizing_audio"
	StatusRenderingVideo    RequestStatus = "rendering_video"
	StatusCompleted         RequestStatus = "completed"
	StatusFailed            RequestStatus = "failed"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageOrder is the canonical, linear stage chain. Content generation is a
// strict value transformation: every stage's output is the next stage's
// required input, so the order never branches and no stage may be skipped.
var StageOrder = []RequestStatus{
	StatusValidating,
	StatusExtractingTopic,
	StatusRetrievingContext,
	StatusGeneratingScript,
	StatusSynthesizingAudio,
	StatusRenderingVideo,
}

// StageProgress maps each claimed state to the progress percentage committed
// when the state is entered. Values are strictly increasing along the chain
// so progress_percent never decreases before a terminal state.
var StageProgress = map[RequestStatus]int{
	StatusPending:           0,
	StatusValidating:        5,
	StatusExtractingTopic:   20,
	StatusRetrievingContext: 35,
	StatusGeneratingScript:  55,
	StatusSynthesizingAudio: 75,
	StatusRenderingVideo:    90,
	StatusCompleted:         100,
}

// StageIndex returns the position of s in StageOrder, or -1 when s is not a
// stage (pending or terminal).
func StageIndex(s RequestStatus) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStage returns the successor of s in the chain and false when s is the
// final stage.
func NextStage(s RequestStatus) (RequestStatus, bool) {
	i := StageIndex(s)
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// ContentRequest is the durable unit of work for the generation pipeline.
// Created by intake, mutated exclusively by the pipeline worker through
// conditional updates, never deleted (terminal rows are retained for
// audit and polling).
type ContentRequest struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"request_id"`
	CorrelationID   string         `gorm:"column:correlation_id;not null;index" json:"correlation_id"`
	StudentID       string         `gorm:"column:student_id;index" json:"student_id,omitempty"`
	GradeLevel      int            `gorm:"column:grade_level;not null" json:"grade_level"`
	Query           string         `gorm:"column:query;not null" json:"query"`
	Status          RequestStatus  `gorm:"column:status;not null;index" json:"status"`
	CurrentStage    string         `gorm:"column:current_stage;index" json:"current_stage,omitempty"`
	Progress        int            `gorm:"column:progress;not null;default:0" json:"progress_percent"`
	RetryCount      int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorReason     string         `gorm:"column:error_reason" json:"error_reason,omitempty"`
	ResultReference string         `gorm:"column:result_reference" json:"result_reference,omitempty"`
	Payload         datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	StageOutputs    datatypes.JSON `gorm:"column:stage_outputs;type:jsonb" json:"stage_outputs,omitempty"`
	EnqueuedAt      *time.Time     `gorm:"column:enqueued_at;index" json:"enqueued_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (ContentRequest) TableName() string { return "content_request" }
