// Package history persists finished workflow runs to a relational
// database through GORM, so past runs stay queryable after the process
// exits.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Options configures the history store connection.
type Options struct {
	// Driver selects the SQL dialect: sqlite, postgres or mysql.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string. For sqlite it is a
	// file path, or ":memory:" for an in-process database.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultOptions returns a local sqlite configuration.
func DefaultOptions() Options {
	return Options{
		Driver:          "sqlite",
		DSN:             "stepflow.db",
		MaxIdleConns:    5,
		MaxOpenConns:    20,
		ConnMaxLifetime: time.Hour,
	}
}

// Store records finished runs and answers queries over past runs.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ workflow.HistoryRecorder = (*Store)(nil)

// Open connects to the configured database and migrates the schema.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	logger.Info("history database connected", zap.String("driver", opts.Driver))
	return NewStore(db, logger)
}

// NewStore wraps an existing GORM connection and migrates the schema.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&RunRecord{}, &StepRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// Record persists a finished run and its step executions in one
// transaction.
func (s *Store) Record(ctx context.Context, result *workflow.RunResult) error {
	if result == nil {
		return errors.New("result cannot be nil")
	}

	stateJSON, err := json.Marshal(result.State)
	if err != nil {
		return types.NewError(types.ErrStateEncoding, "failed to encode final state").WithCause(err)
	}
	eventsJSON, err := json.Marshal(result.Events)
	if err != nil {
		return types.NewError(types.ErrStateEncoding, "failed to encode event log").WithCause(err)
	}

	run := &RunRecord{
		RunID:      result.RunID,
		WorkflowID: result.WorkflowID,
		Status:     string(result.Status),
		Reason:     string(result.Reason),
		StartTime:  result.StartTime,
		EndTime:    result.EndTime,
		DurationMS: result.Duration.Milliseconds(),
		StateJSON:  string(stateJSON),
		EventsJSON: string(eventsJSON),
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}

	steps := make([]StepRecord, 0, len(result.Steps))
	for _, st := range result.Steps {
		steps = append(steps, StepRecord{
			RunID:      result.RunID,
			StepID:     st.StepID,
			Kind:       string(st.Kind),
			Iteration:  st.Iteration,
			OutputKey:  st.OutputKey,
			Status:     string(st.Status),
			StartTime:  st.StartTime,
			EndTime:    st.EndTime,
			DurationMS: st.Duration.Milliseconds(),
			Error:      st.Error,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(steps) > 0 {
			return tx.Create(&steps).Error
		}
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrHistoryUnavailable, "failed to record run").WithCause(err)
	}

	s.logger.Debug("run recorded",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("steps", len(steps)),
	)
	return nil
}

// GetRun loads one run and its step records.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, []StepRecord, error) {
	var run RunRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, types.NewError(types.ErrRunNotFound, "run not found: "+runID)
	}
	if err != nil {
		return nil, nil, types.NewError(types.ErrHistoryUnavailable, "failed to load run").WithCause(err)
	}

	var steps []StepRecord
	err = s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id asc").
		Find(&steps).Error
	if err != nil {
		return nil, nil, types.NewError(types.ErrHistoryUnavailable, "failed to load run steps").WithCause(err)
	}
	return &run, steps, nil
}

// Query filters a run listing. Zero-valued fields are ignored.
type Query struct {
	WorkflowID string
	Status     string
	Since      time.Time
	Limit      int
}

// ListRuns returns the most recent runs matching the query. A zero
// limit means 50.
func (s *Store) ListRuns(ctx context.Context, query Query) ([]RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("start_time desc").Limit(limit)
	if query.WorkflowID != "" {
		q = q.Where("workflow_id = ?", query.WorkflowID)
	}
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}
	if !query.Since.IsZero() {
		q = q.Where("start_time >= ?", query.Since)
	}

	var runs []RunRecord
	if err := q.Find(&runs).Error; err != nil {
		return nil, types.NewError(types.ErrHistoryUnavailable, "failed to list runs").WithCause(err)
	}
	return runs, nil
}

// FinalState decodes the persisted state snapshot of a run record.
func (r *RunRecord) FinalState() (map[string]any, error) {
	out := map[string]any{}
	if r.StateJSON == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.StateJSON), &out); err != nil {
		return nil, types.NewError(types.ErrStateEncoding, "corrupt state snapshot").WithCause(err)
	}
	return out, nil
}

// EventLog decodes the persisted event log of a run record.
func (r *RunRecord) EventLog() ([]workflow.ProgressEvent, error) {
	var events []workflow.ProgressEvent
	if r.EventsJSON == "" {
		return events, nil
	}
	if err := json.Unmarshal([]byte(r.EventsJSON), &events); err != nil {
		return nil, types.NewError(types.ErrStateEncoding, "corrupt event log").WithCause(err)
	}
	return events, nil
}
