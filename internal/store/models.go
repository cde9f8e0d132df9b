package store

import "time"

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// DownloadRun records one download job from admission to its terminal state
type DownloadRun struct {
	ID           int64
	JobID        string
	DatasetKey   string
	URL          string
	StartTime    time.Time
	EndTime      time.Time
	Bytes        int64
	Resumed      bool
	Status       string // "running", "succeeded", "failed", "cancelled"
	FailureKind  string // "transport", "integrity", "extraction", ...
	ErrorMessage string
}

// InstalledDataset tracks a dataset installed by this tool
type InstalledDataset struct {
	Key         string
	Version     int
	SHA256      string
	InstalledAt time.Time
	Enabled     bool
}
