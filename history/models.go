package history

import "time"

// RunRecord is the persisted form of one workflow run.
type RunRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"uniqueIndex;size:64"`
	WorkflowID string `gorm:"index;size:128"`
	Status     string `gorm:"size:16"`
	Reason     string `gorm:"size:32"`
	StartTime  time.Time
	EndTime    time.Time
	DurationMS int64
	// StateJSON is the final state snapshot, serialized.
	StateJSON string `gorm:"type:text"`
	// EventsJSON is the ordered event log, serialized.
	EventsJSON string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName sets the runs table name.
func (RunRecord) TableName() string { return "workflow_runs" }

// StepRecord is the persisted form of one step execution within a run.
type StepRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"index;size:64"`
	StepID     string `gorm:"size:128"`
	Kind       string `gorm:"size:16"`
	Iteration  int
	OutputKey  string `gorm:"size:128"`
	Status     string `gorm:"size:16"`
	StartTime  time.Time
	EndTime    time.Time
	DurationMS int64
	Error      string `gorm:"type:text"`
}

// TableName sets the steps table name.
func (StepRecord) TableName() string { return "workflow_run_steps" }
