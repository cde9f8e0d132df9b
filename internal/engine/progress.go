package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/dsmanager/internal/download"
)

// State is the lifecycle state of a transfer job.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateVerifying   State = "verifying"
	StateInstalling  State = "installing"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// JobProgress is a snapshot of one active job, safe for JSON serialization.
type JobProgress struct {
	Key            string    `json:"key"`
	JobID          string    `json:"job_id"`
	State          State     `json:"state"`
	BytesRead      int64     `json:"bytes_read"`
	BytesTotal     int64     `json:"bytes_total"`
	Percent        float64   `json:"percent"`
	BytesPerSecond int64     `json:"bytes_per_second"`
	ETA            string    `json:"eta,omitempty"`
	StartTime      time.Time `json:"start_time"`
	Elapsed        string    `json:"elapsed"`
}

// Tracker holds the progress of active jobs in a thread-safe manner.
// Observers call Wait() to block until the next update.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*JobProgress

	// Close-and-replace notification channel.
	notify chan struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:   make(map[string]*JobProgress),
		notify: make(chan struct{}),
	}
}

// Snapshot returns copies of all active jobs ordered by key.
func (t *Tracker) Snapshot() []JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]JobProgress, 0, len(t.jobs))
	for _, jp := range t.jobs {
		cp := *jp
		elapsed := time.Since(cp.StartTime)
		cp.Elapsed = elapsed.Truncate(time.Second).String()
		if cp.BytesPerSecond > 0 && cp.BytesTotal > cp.BytesRead {
			remaining := cp.BytesTotal - cp.BytesRead
			eta := time.Duration(float64(remaining) / float64(cp.BytesPerSecond) * float64(time.Second))
			cp.ETA = eta.Truncate(time.Second).String()
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (t *Tracker) start(key, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[key] = &JobProgress{
		Key:       key,
		JobID:     jobID,
		State:     StatePending,
		StartTime: time.Now(),
	}
	t.signal()
}

func (t *Tracker) setState(key string, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if jp, ok := t.jobs[key]; ok {
		jp.State = state
		if state == StateVerifying || state == StateInstalling {
			jp.Percent = 0
			jp.BytesPerSecond = 0
		}
		t.signal()
	}
}

func (t *Tracker) transfer(key string, s download.ProgressSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if jp, ok := t.jobs[key]; ok {
		jp.State = StateDownloading
		jp.BytesRead = s.BytesRead
		jp.BytesTotal = s.BytesTotal
		jp.Percent = s.Percent
		jp.BytesPerSecond = int64(s.Speed)
		t.signal()
	}
}

func (t *Tracker) percent(key string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if jp, ok := t.jobs[key]; ok {
		jp.Percent = pct
		t.signal()
	}
}

func (t *Tracker) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, key)
	t.signal()
}
