package database

import (
	"encoding/json"
	"time"
)

// JobStatus is the persisted state of a transcode job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusFailed    JobStatus = "failed"
)

// TranscodeJob records one job submitted to the controller
type TranscodeJob struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Status      JobStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	Sources     string    `gorm:"type:text" json:"-"` // JSON array
	Destination string    `gorm:"type:varchar(1024)" json:"destination"`
	Container   string    `gorm:"type:varchar(16)" json:"container"`
	Strategy    string    `gorm:"type:varchar(512)" json:"strategy"`
	Audio       string    `gorm:"type:varchar(16)" json:"audio"`
	Rotation    int       `json:"rotation"`
	Speed       float64   `json:"speed"`

	OutputWidth  int     `json:"output_width,omitempty"`
	OutputHeight int     `json:"output_height,omitempty"`
	FrameRate    float64 `json:"frame_rate,omitempty"`

	Progress     float64 `json:"progress"`
	BytesWritten int64   `json:"bytes_written"`
	ElapsedMs    int64   `json:"elapsed_ms"`
	Error        string  `gorm:"type:text" json:"error,omitempty"`
	ErrorType    string  `gorm:"type:varchar(32)" json:"error_type,omitempty"`

	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `gorm:"index" json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the table name for GORM
func (TranscodeJob) TableName() string {
	return "transcode_jobs"
}

// GetSources deserializes the Sources JSON string
func (j *TranscodeJob) GetSources() ([]string, error) {
	if j.Sources == "" {
		return nil, nil
	}
	var sources []string
	if err := json.Unmarshal([]byte(j.Sources), &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// SetSources serializes sources into the Sources JSON string
func (j *TranscodeJob) SetSources(sources []string) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	j.Sources = string(data)
	return nil
}

// IsFinished reports whether the job reached a terminal status
func (j *TranscodeJob) IsFinished() bool {
	return j.Status != JobStatusRunning
}
