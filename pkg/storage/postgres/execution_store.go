package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ratchet/pkg/models"
	"ratchet/pkg/storage"
)

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	result := s.db.WithContext(ctx).Create(exec)
	if result.Error != nil {
		return fmt.Errorf("failed to create execution: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	var exec models.Execution
	result := s.db.WithContext(ctx).First(&exec, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &exec, nil
}

func (s *PostgresStore) MarkExecutionRunning(ctx context.Context, id int64, workerID string, startedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionPending).
		Updates(map[string]interface{}{
			"status":     models.ExecutionRunning,
			"worker_id":  workerID,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark execution running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FinishExecution writes the terminal state exactly once. The status
// guard enforces execution immutability after a terminal transition.
func (s *PostgresStore) FinishExecution(ctx context.Context, exec *models.Execution) error {
	if !exec.Status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", exec.Status)
	}
	result := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status IN (?, ?, ?)", exec.ID,
			models.ExecutionPending, models.ExecutionRunning, models.ExecutionRetrying).
		Updates(map[string]interface{}{
			"status":        exec.Status,
			"output":        exec.Output,
			"error_message": exec.ErrorMessage,
			"error_details": exec.ErrorDetails,
			"started_at":    exec.StartedAt,
			"completed_at":  exec.CompletedAt,
			"duration_ms":   exec.DurationMs,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish execution: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListExecutionsByJob(ctx context.Context, jobID int64) ([]models.Execution, error) {
	var execs []models.Execution
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("queued_at asc, started_at asc, completed_at asc").
		Find(&execs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list executions: %w", result.Error)
	}
	return execs, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter storage.ExecutionFilter, page storage.Page) ([]models.Execution, error) {
	query := s.db.WithContext(ctx).Model(&models.Execution{})
	if filter.TaskID != nil {
		query = query.Where("task_id = ?", *filter.TaskID)
	}
	if filter.JobID != nil {
		query = query.Where("job_id = ?", *filter.JobID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if page.Limit > 0 {
		query = query.Limit(page.Limit).Offset(page.Offset)
	}

	var execs []models.Execution
	result := query.Order("queued_at desc").Find(&execs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list executions: %w", result.Error)
	}
	return execs, nil
}
