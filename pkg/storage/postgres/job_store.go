package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ratchet/pkg/models"
	"ratchet/pkg/storage"
)

// ClaimJobs atomically claims up to n eligible jobs. The subquery locks
// candidate rows with FOR UPDATE SKIP LOCKED so concurrent claimers
// never see overlapping sets.
func (s *PostgresStore) ClaimJobs(ctx context.Context, n int, now time.Time, lease time.Duration) ([]models.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	deadline := now.Add(lease)

	var claimed []models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Raw(`
			UPDATE jobs SET
				status = ?,
				started_at = ?,
				lease_deadline = ?,
				updated_at = ?
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status IN (?, ?, ?) AND process_at <= ?
				ORDER BY priority DESC, process_at ASC, queued_at ASC
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *`,
			models.JobProcessing, now, deadline, now,
			models.JobQueued, models.JobRetrying, models.JobScheduled, now, n,
		).Scan(&claimed)
		return result.Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id int64, completedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobProcessing).
		Updates(map[string]interface{}{
			"status":         models.JobCompleted,
			"completed_at":   completedAt,
			"lease_deadline": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	updates := map[string]interface{}{
		"error":          errMsg,
		"lease_deadline": nil,
	}
	if retryAt != nil {
		updates["status"] = models.JobRetrying
		updates["process_at"] = *retryAt
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	} else {
		updates["status"] = models.JobFailed
		updates["completed_at"] = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status NOT IN (?, ?, ?)", id,
			models.JobCompleted, models.JobFailed, models.JobCancelled).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to fail job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CancelJob sets CANCELLED unless the job is already terminal, and
// returns the pre-cancellation row so callers can signal in-flight work.
func (s *PostgresStore) CancelJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		return tx.Model(&models.Job{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":         models.JobCancelled,
				"completed_at":   time.Now().UTC(),
				"lease_deadline": nil,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) JobStats(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		Count  int64
	}
	var rows []row
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to collect job stats: %w", result.Error)
	}
	stats := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

func (s *PostgresStore) CountBacklog(ctx context.Context) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status IN (?, ?, ?)", models.JobQueued, models.JobRetrying, models.JobScheduled).
		Count(&count)
	return count, result.Error
}

// ReapExpired returns crashed-worker leases to the queue. Jobs with
// retries remaining go to RETRYING with a bumped count; the rest fail.
func (s *PostgresStore) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	retried := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status = ? AND lease_deadline IS NOT NULL AND lease_deadline <= ? AND retry_count < max_retries",
			models.JobProcessing, now).
		Updates(map[string]interface{}{
			"status":         models.JobRetrying,
			"retry_count":    gorm.Expr("retry_count + 1"),
			"process_at":     now,
			"lease_deadline": nil,
			"error":          "worker lease expired",
		})
	if retried.Error != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", retried.Error)
	}

	failed := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status = ? AND lease_deadline IS NOT NULL AND lease_deadline <= ?",
			models.JobProcessing, now).
		Updates(map[string]interface{}{
			"status":         models.JobFailed,
			"completed_at":   now,
			"lease_deadline": nil,
			"error":          "worker lease expired, retries exhausted",
		})
	if failed.Error != nil {
		return retried.RowsAffected, fmt.Errorf("failed to fail exhausted leases: %w", failed.Error)
	}
	return retried.RowsAffected + failed.RowsAffected, nil
}
