package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ratchet/pkg/models"
	"ratchet/pkg/storage"
)

// PostgresStore implements every storage interface on a single GORM
// connection pool.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes the GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&models.Task{},
		&models.Job{},
		&models.Execution{},
		&models.Schedule{},
		&models.Repository{},
		&models.DeliveryRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- TaskStore ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	result := s.db.WithContext(ctx).Create(task)
	if result.Error != nil {
		return fmt.Errorf("failed to create task: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	result := s.db.WithContext(ctx).First(&task, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &task, nil
}

func (s *PostgresStore) GetTaskByUUID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	result := s.db.WithContext(ctx).First(&task, "uuid = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &task, nil
}

func (s *PostgresStore) GetTaskByNameVersion(ctx context.Context, name, version string) (*models.Task, error) {
	var task models.Task
	result := s.db.WithContext(ctx).First(&task, "name = ? AND version = ?", name, version)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter storage.TaskFilter, page storage.Page) ([]models.Task, error) {
	query := s.db.WithContext(ctx).Model(&models.Task{})
	if filter.Name != "" {
		query = query.Where("name = ?", filter.Name)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	if filter.RepositoryID != nil {
		query = query.Where("repository_id = ?", *filter.RepositoryID)
	}
	if page.Limit > 0 {
		query = query.Limit(page.Limit).Offset(page.Offset)
	}

	var tasks []models.Task
	result := query.Order("name asc, version asc").Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", result.Error)
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *models.Task) error {
	result := s.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("failed to update task: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) SetTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.Task{}).
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

func (s *PostgresStore) ListRepositoryTasks(ctx context.Context, repositoryID int64) ([]models.Task, error) {
	var tasks []models.Task
	result := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("path asc").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list repository tasks: %w", result.Error)
	}
	return tasks, nil
}

func (s *PostgresStore) DeleteRepositoryTask(ctx context.Context, repositoryID int64, path string) error {
	result := s.db.WithContext(ctx).
		Where("repository_id = ? AND path = ?", repositoryID, path).
		Delete(&models.Task{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- RepositoryStore ---

func (s *PostgresStore) CreateRepository(ctx context.Context, repo *models.Repository) error {
	result := s.db.WithContext(ctx).Create(repo)
	if result.Error != nil {
		return fmt.Errorf("failed to create repository: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	result := s.db.WithContext(ctx).First(&repo, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &repo, nil
}

func (s *PostgresStore) ListEnabledRepositories(ctx context.Context) ([]models.Repository, error) {
	var repos []models.Repository
	result := s.db.WithContext(ctx).
		Where("sync_enabled = ?", true).
		Order("id asc").
		Find(&repos)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", result.Error)
	}
	return repos, nil
}

func (s *PostgresStore) UpdateRepositorySyncStatus(ctx context.Context, id int64, status string, syncedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Repository{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_status":    status,
			"last_synced_at": syncedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- DeliveryStore ---

func (s *PostgresStore) CreateDeliveryRecord(ctx context.Context, record *models.DeliveryRecord) error {
	result := s.db.WithContext(ctx).Create(record)
	if result.Error != nil {
		return fmt.Errorf("failed to create delivery record: %w", result.Error)
	}
	return nil
}
