// Package catalog keeps the history of runs in a SQLite database: what was
// run, against which archive, how long it took and how many cells failed.
//
// The catalog is bookkeeping. Callers log its errors and carry on; a run
// never depends on it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("catalog: run not found")

// Kind is what produced a run.
type Kind string

const (
	KindRun    Kind = "run"
	KindRetry  Kind = "retry"
	KindResume Kind = "resume"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusError     Status = "error"
)

// Run is one catalog row.
type Run struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Label       string     `gorm:"index;size:255;not null"`
	Kind        Kind       `gorm:"size:20;not null"`
	ArchivePath string     `gorm:"size:1024"`
	Units       int        `gorm:"default:0"` // solves requested
	Failed      int        `gorm:"default:0"` // failed cells when finished
	Status      Status     `gorm:"index;size:20;default:'running'"`
	Error       string     `gorm:"type:text"`
	StartedAt   time.Time  `gorm:"index;not null"`
	FinishedAt  *time.Time
}

// Duration returns the wall time of a finished run, or 0.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Catalog is a handle on the run history database.
type Catalog struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("catalog: create directory: %w", err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Begin records the start of a run.
func (c *Catalog) Begin(ctx context.Context, kind Kind, label, archivePath string, units int) (*Run, error) {
	run := &Run{
		ID:          uuid.New().String(),
		Label:       label,
		Kind:        kind,
		ArchivePath: archivePath,
		Units:       units,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("catalog: begin: %w", err)
	}
	return run, nil
}

// Finish records the end of run. A nil runErr completes the run, a
// cancellation marks it canceled and any other error marks it failed.
func (c *Catalog) Finish(ctx context.Context, run *Run, failed int, runErr error) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Failed = failed
	switch {
	case runErr == nil:
		run.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled):
		run.Status = StatusCanceled
		run.Error = runErr.Error()
	default:
		run.Status = StatusError
		run.Error = runErr.Error()
	}
	err := c.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":      run.Status,
			"failed":      run.Failed,
			"error":       run.Error,
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("catalog: finish %s: %w", run.ID, err)
	}
	return nil
}

// Get returns one run by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return &run, nil
}

// List returns the most recent runs first. limit <= 0 returns every run.
func (c *Catalog) List(ctx context.Context, limit int) ([]Run, error) {
	q := c.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return runs, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
