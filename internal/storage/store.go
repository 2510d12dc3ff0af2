// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage is the persistence layer: an embedded SQLite database for
// execution/step/artifact records plus an on-disk tree for log files and
// artifact payloads. Writes go through one shared database handle and are
// serialized by a mutex; the database runs in WAL mode so dashboard reads
// never wait on engine writes.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnnynv/stepflow-monitor/internal/config"
	"github.com/johnnynv/stepflow-monitor/internal/logger"
	"github.com/johnnynv/stepflow-monitor/internal/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStorageLogger()
		log = &l
	})
	return log
}

// Store owns the database connection and the storage tree.
type Store struct {
	cfg *config.StorageConfig

	mu          sync.RWMutex // guards db handle swap during Initialize/Close
	db          *gorm.DB
	writeMu     sync.Mutex // serializes writes on the shared connection
	initialized bool

	logs      *LogWriter
	artifacts *ArtifactStore

	deleteCh chan string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates an uninitialized store. Call Initialize before use.
func NewStore(cfg *config.StorageConfig) *Store {
	return &Store{
		cfg:      cfg,
		deleteCh: make(chan string, 64),
		stopCh:   make(chan struct{}),
	}
}

// Initialize creates the storage directories, opens the database, runs
// migrations and starts the background workers. Idempotent.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	for _, dir := range []string{
		filepath.Dir(s.cfg.DatabaseFile()),
		s.cfg.ExecutionsDir(),
		s.cfg.ArtifactsDir(),
		s.cfg.WorkspaceDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return newError(KindIOError, "initialize", fmt.Sprintf("failed to create %s", dir), err)
		}
	}

	// _busy_timeout keeps concurrent readers from failing fast while the
	// single writer holds the database.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", s.cfg.DatabaseFile())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return newError(KindStoreUnavailable, "initialize", "failed to open database", err)
	}

	// WAL keeps dashboard reads concurrent with engine writes. NORMAL
	// synchronous trades the last few hundred ms of writes on crash for
	// throughput; torn pages are still prevented by the WAL. Cache and mmap
	// sizes keep typical workloads (tens of thousands of rows) memory-resident.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-10240",
		"PRAGMA mmap_size=268435456",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return newError(KindStoreUnavailable, "initialize", fmt.Sprintf("failed to apply %q", pragma), err)
		}
	}

	if err := db.AutoMigrate(
		&models.Execution{},
		&models.Step{},
		&models.Artifact{},
	); err != nil {
		return newError(KindStoreUnavailable, "initialize", "migration failed", err)
	}

	s.db = db
	s.logs = NewLogWriter(s.cfg.ExecutionsDir(), s.cfg.LogBufferEntries, s.cfg.LogFlushInterval)
	s.artifacts = NewArtifactStore(s.cfg.ArtifactsDir(), s.cfg.ArtifactMaxBytes)
	s.initialized = true

	s.wg.Add(1)
	go s.deleteWorker()

	getLog().Info().Str("database", s.cfg.DatabaseFile()).Msg("Storage initialized")
	return nil
}

// Logs returns the asynchronous per-step log file writer.
func (s *Store) Logs() *LogWriter {
	return s.logs
}

// Artifacts returns the artifact file store.
func (s *Store) Artifacts() *ArtifactStore {
	return s.artifacts
}

func (s *Store) handle(op string) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, newError(KindStoreUnavailable, op, "store not initialized", nil)
	}
	return s.db, nil
}

// wrapDBError maps a gorm/sqlite error onto the storage taxonomy.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gorm.ErrRecordNotFound {
		return newError(KindNotFound, op, "record not found", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed") {
		return newError(KindConflict, op, "constraint violation", err)
	}
	return newError(KindIOError, op, "database operation failed", err)
}

// SaveExecution upserts an execution by id.
func (s *Store) SaveExecution(ctx context.Context, e *models.Execution) error {
	db, err := s.handle("save_execution")
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wrapDBError("save_execution", db.WithContext(ctx).
		Omit("Steps", "Artifacts").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(e).Error)
}

// SaveStep upserts a step by id.
func (s *Store) SaveStep(ctx context.Context, step *models.Step) error {
	db, err := s.handle("save_step")
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wrapDBError("save_step", db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(step).Error)
}

// SaveArtifact upserts an artifact by id.
func (s *Store) SaveArtifact(ctx context.Context, a *models.Artifact) error {
	db, err := s.handle("save_artifact")
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wrapDBError("save_artifact", db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(a).Error)
}

// SaveExecutionBatch upserts several executions in one transaction.
func (s *Store) SaveExecutionBatch(ctx context.Context, execs []*models.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	db, err := s.handle("save_execution_batch")
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wrapDBError("save_execution_batch", db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range execs {
			if err := tx.Omit("Steps", "Artifacts").
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					UpdateAll: true,
				}).
				Create(e).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

// GetExecution retrieves an execution with its steps and artifacts embedded.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	db, err := s.handle("get_execution")
	if err != nil {
		return nil, err
	}
	var e models.Execution
	err = db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC")
		}).
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		First(&e, "id = ?", id).Error
	if err != nil {
		return nil, wrapDBError("get_execution", err)
	}
	return &e, nil
}

// GetSteps retrieves the steps of an execution in index order.
func (s *Store) GetSteps(ctx context.Context, executionID string) ([]*models.Step, error) {
	db, err := s.handle("get_steps")
	if err != nil {
		return nil, err
	}
	var steps []*models.Step
	err = db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("step_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, wrapDBError("get_steps", err)
	}
	return steps, nil
}

// GetArtifact retrieves a single artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	db, err := s.handle("get_artifact")
	if err != nil {
		return nil, err
	}
	var a models.Artifact
	if err := db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, wrapDBError("get_artifact", err)
	}
	return &a, nil
}

// GetArtifacts retrieves all artifacts of an execution.
func (s *Store) GetArtifacts(ctx context.Context, executionID string) ([]*models.Artifact, error) {
	db, err := s.handle("get_artifacts")
	if err != nil {
		return nil, err
	}
	var artifacts []*models.Artifact
	err = db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Find(&artifacts).Error
	if err != nil {
		return nil, wrapDBError("get_artifacts", err)
	}
	return artifacts, nil
}

// ListFilter narrows ListExecutions.
type ListFilter struct {
	Status models.ExecutionStatus
	User   string
	Limit  int
	Offset int
}

// ListExecutions lists executions newest first.
func (s *Store) ListExecutions(ctx context.Context, filter ListFilter) ([]*models.Execution, error) {
	db, err := s.handle("list_executions")
	if err != nil {
		return nil, err
	}

	query := db.WithContext(ctx).Order("created_at DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.User != "" {
		query = query.Where("user = ?", filter.User)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var execs []*models.Execution
	if err := query.Find(&execs).Error; err != nil {
		return nil, wrapDBError("list_executions", err)
	}
	return execs, nil
}

// ListNonTerminal retrieves executions left in pending/running state. Used by
// crash recovery on startup.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*models.Execution, error) {
	db, err := s.handle("list_non_terminal")
	if err != nil {
		return nil, err
	}
	var execs []*models.Execution
	err = db.WithContext(ctx).
		Where("status IN ?", []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}).
		Find(&execs).Error
	if err != nil {
		return nil, wrapDBError("list_non_terminal", err)
	}
	return execs, nil
}

// Statistics is the aggregate report served by /api/executions/statistics.
type Statistics struct {
	TotalExecutions  int64            `json:"total_executions"`
	ByStatus         map[string]int64 `json:"by_status"`
	TotalSteps       int64            `json:"total_steps"`
	TotalArtifacts   int64            `json:"total_artifacts"`
	AverageDuration  float64          `json:"average_duration_seconds"`
	ActiveExecutions int64            `json:"active_executions"`
}

// GetStatistics aggregates counts and averages across all executions.
func (s *Store) GetStatistics(ctx context.Context) (*Statistics, error) {
	db, err := s.handle("get_statistics")
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByStatus: make(map[string]int64)}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := db.WithContext(ctx).Model(&models.Execution{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, wrapDBError("get_statistics", err)
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
		stats.TotalExecutions += c.Count
	}
	stats.ActiveExecutions = stats.ByStatus[string(models.ExecutionStatusPending)] +
		stats.ByStatus[string(models.ExecutionStatusRunning)]

	if err := db.WithContext(ctx).Model(&models.Step{}).Count(&stats.TotalSteps).Error; err != nil {
		return nil, wrapDBError("get_statistics", err)
	}
	if err := db.WithContext(ctx).Model(&models.Artifact{}).Count(&stats.TotalArtifacts).Error; err != nil {
		return nil, wrapDBError("get_statistics", err)
	}

	var avg sql.NullFloat64
	err = db.WithContext(ctx).Model(&models.Execution{}).
		Where("started_at IS NOT NULL AND completed_at IS NOT NULL").
		Select("AVG((julianday(completed_at) - julianday(started_at)) * 86400.0)").
		Scan(&avg).Error
	if err != nil {
		return nil, wrapDBError("get_statistics", err)
	}
	if avg.Valid {
		stats.AverageDuration = avg.Float64
	}

	return stats, nil
}

// DeleteExecution removes an execution and its steps/artifacts in a single
// transaction, then schedules the on-disk log and artifact trees for removal
// on the background worker. Returns once the database cascade commits.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	db, err := s.handle("delete_execution")
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.Execution{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		// Explicit child deletes; SQLite only cascades when the schema was
		// created with the FK constraints active.
		if err := tx.Delete(&models.Step{}, "execution_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Artifact{}, "execution_id = ?", id).Error
	})
	s.writeMu.Unlock()
	if err != nil {
		return wrapDBError("delete_execution", err)
	}

	select {
	case s.deleteCh <- id:
	case <-s.stopCh:
	}
	return nil
}

// deleteWorker removes on-disk trees of deleted executions.
func (s *Store) deleteWorker() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.deleteCh:
			s.sweepFiles(id)
		case <-s.stopCh:
			// Drain remaining work before exiting.
			for {
				select {
				case id := <-s.deleteCh:
					s.sweepFiles(id)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) sweepFiles(executionID string) {
	if s.logs != nil {
		s.logs.Drop(executionID)
	}
	for _, dir := range []string{
		filepath.Join(s.cfg.ExecutionsDir(), executionID),
		filepath.Join(s.cfg.ArtifactsDir(), executionID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			getLog().Warn().Err(err).Str("execution_id", executionID).Str("dir", dir).
				Msg("Failed to remove execution files")
		}
	}
}

// OptimizeReport summarizes an Optimize run.
type OptimizeReport struct {
	WALCheckpointed bool      `json:"wal_checkpointed"`
	Analyzed        bool      `json:"analyzed"`
	IntegrityOK     bool      `json:"integrity_ok"`
	Integrity       string    `json:"integrity"`
	Duration        float64   `json:"duration_seconds"`
	RanAt           time.Time `json:"ran_at"`
}

// Optimize checkpoints the write-ahead log, refreshes planner statistics and
// runs an integrity check.
func (s *Store) Optimize(ctx context.Context) (*OptimizeReport, error) {
	db, err := s.handle("optimize")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report := &OptimizeReport{RanAt: start.UTC()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return nil, newError(KindIOError, "optimize", "wal checkpoint failed", err)
	}
	report.WALCheckpointed = true

	if err := db.WithContext(ctx).Exec("ANALYZE").Error; err != nil {
		return nil, newError(KindIOError, "optimize", "analyze failed", err)
	}
	report.Analyzed = true

	var integrity string
	if err := db.WithContext(ctx).Raw("PRAGMA integrity_check").Scan(&integrity).Error; err != nil {
		return nil, newError(KindIOError, "optimize", "integrity check failed", err)
	}
	report.Integrity = integrity
	report.IntegrityOK = integrity == "ok"
	report.Duration = time.Since(start).Seconds()

	getLog().Info().Bool("integrity_ok", report.IntegrityOK).
		Float64("duration_s", report.Duration).Msg("Database optimized")
	return report, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle("ping")
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return newError(KindStoreUnavailable, "ping", "failed to obtain connection", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return newError(KindStoreUnavailable, "ping", "database unreachable", err)
	}
	return nil
}

// Close flushes buffers and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}

	close(s.stopCh)
	s.wg.Wait()

	if s.logs != nil {
		s.logs.Close()
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return newError(KindIOError, "close", "failed to obtain connection", err)
	}
	s.initialized = false
	if err := sqlDB.Close(); err != nil {
		return newError(KindIOError, "close", "failed to close database", err)
	}
	return nil
}
