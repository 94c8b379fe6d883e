package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AppendTurn writes one finished turn. A single INSERT, so a turn is either
// fully stored or not stored at all.
func (r *Repo) AppendTurn(ctx context.Context, t *Turn) error {
	return storeErr("append turn", r.db.WithContext(ctx).Create(t).Error)
}

// ListTurns returns turns in ASC id order (oldest -> newest). limit <= 0
// means no limit.
func (r *Repo) ListTurns(ctx context.Context, limit, offset int) ([]Turn, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var turns []Turn
	if err := q.Find(&turns).Error; err != nil {
		return nil, storeErr("list turns", err)
	}
	return turns, nil
}

func (r *Repo) CountTurns(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Turn{}).Count(&n).Error; err != nil {
		return 0, storeErr("count turns", err)
	}
	return n, nil
}

// ClearTurns removes every stored turn and reports how many went away.
// Clearing an empty store is fine and returns 0.
func (r *Repo) ClearTurns(ctx context.Context) (int64, error) {
	tx := r.db.WithContext(ctx).Where("1 = 1").Delete(&Turn{})
	if tx.Error != nil {
		return 0, storeErr("clear turns", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Ping verifies the store answers queries at all.
func (r *Repo) Ping(ctx context.Context) error {
	var one int
	return storeErr("ping", r.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error)
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return storeErr("create job", r.db.WithContext(ctx).Create(job).Error)
}

func (r *Repo) JobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, storeErr("get job", err)
	}
	return &j, nil
}

// MarkJobRunning moves a queued job to running and counts the attempt.
func (r *Repo) MarkJobRunning(ctx context.Context, id string) error {
	return storeErr("mark job running", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error)
}

// RequeueJob puts a running job back in the queue after a transient
// failure, keeping the failure reason visible to pollers.
func (r *Repo) RequeueJob(ctx context.Context, id string, errMsg string) error {
	return storeErr("requeue job", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobQueued,
			"error":  errMsg,
		}).Error)
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, turnID int64) error {
	return storeErr("mark job succeeded", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobSucceeded,
			"result_turn_id": turnID,
			"error":          nil,
		}).Error)
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return storeErr("mark job failed", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobFailed,
			"error":          errMsg,
			"result_turn_id": nil,
		}).Error)
}

func (r *Repo) JobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&job).Error
	if err != nil {
		return nil, storeErr("get job by key", err)
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if the idempotency key
// already exists it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.CreateJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.CreateJob(ctx, job)
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.JobByIdempotencyKey(ctx, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
