package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ratchet/pkg/models"
	"ratchet/pkg/storage"
)

func (s *PostgresStore) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	result := s.db.WithContext(ctx).Create(schedule)
	if result.Error != nil {
		return fmt.Errorf("failed to create schedule: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	var schedule models.Schedule
	result := s.db.WithContext(ctx).First(&schedule, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &schedule, nil
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	var schedules []models.Schedule
	result := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("id asc").
		Limit(limit).
		Find(&schedules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", result.Error)
	}
	return schedules, nil
}

func (s *PostgresStore) AdvanceSchedule(ctx context.Context, id int64, nextRun, lastRun time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_run_at":     nextRun,
			"last_run_at":     lastRun,
			"execution_count": gorm.Expr("execution_count + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to advance schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
