package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/types"
)

// ContentRequestRepo is the single shared mutable resource of the pipeline.
// No explicit locks: all coordination is optimistic, via the conditional
// Transition/MarkFailed updates. Losing a race costs a short no-op, never
// corruption.
type ContentRequestRepo interface {
	Create(ctx context.Context, tx *gorm.DB, req *types.ContentRequest) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentRequest, error)
	// Transition performs the conditional status update backing the
	// exactly-one-winner guarantee: the update applies only when the row's
	// status still equals expected. Returns true when this caller won.
	Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected types.RequestStatus, updates map[string]interface{}) (bool, error)
	// MarkFailed moves a request to the failed terminal state unless it is
	// already terminal. Returns true when the row was transitioned.
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (bool, error)
	IncrementRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	MarkEnqueued(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// ListUnenqueued returns pending requests whose message was never
	// published (enqueued_at is null), for the recovery sweep.
	ListUnenqueued(ctx context.Context, tx *gorm.DB, olderThan time.Time, limit int) ([]*types.ContentRequest, error)
}

type contentRequestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentRequestRepo(db *gorm.DB, baseLog *logger.Logger) ContentRequestRepo {
	return &contentRequestRepo{
		db:  db,
		log: baseLog.With("repo", "ContentRequestRepo"),
	}
}

func (r *contentRequestRepo) Create(ctx context.Context, tx *gorm.DB, req *types.ContentRequest) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if req == nil {
		return errors.New("nil request")
	}
	return transaction.WithContext(ctx).Create(req).Error
}

func (r *contentRequestRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var req types.ContentRequest
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		return nil, nil
	}
	return &req, nil
}

func (r *contentRequestRepo) Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected types.RequestStatus, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.ContentRequest{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *contentRequestRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(ctx).
		Model(&types.ContentRequest{}).
		Where("id = ? AND status NOT IN ?", id, []types.RequestStatus{types.StatusCompleted, types.StatusFailed}).
		Updates(map[string]interface{}{
			"status":       types.StatusFailed,
			"error_reason": reason,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *contentRequestRepo) IncrementRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentRequest{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}

func (r *contentRequestRepo) MarkEnqueued(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.ContentRequest{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"enqueued_at": now,
			"updated_at":  now,
		}).Error
}

func (r *contentRequestRepo) ListUnenqueued(ctx context.Context, tx *gorm.DB, olderThan time.Time, limit int) ([]*types.ContentRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.ContentRequest
	err := transaction.WithContext(ctx).
		Where("status = ? AND enqueued_at IS NULL AND created_at < ?", types.StatusPending, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
