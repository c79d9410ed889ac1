// Package jobs tracks long-running background work, such as plan
// decompositions, and streams progress events to subscribers.
package jobs

import "time"

// Status of a background job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// LogEntry is one progress line emitted by the job body.
type LogEntry struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// ActionLog records one structural step. Cursor strictly increases
// per job, so clients can resume from the last action they saw.
type ActionLog struct {
	Cursor int64          `json:"cursor"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Stats counts a job's activity.
type Stats struct {
	Logs        int   `json:"logs"`
	Actions     int   `json:"actions"`
	Events      int64 `json:"events"`
	Subscribers int   `json:"subscribers"`
	// Disconnects counts subscribers dropped for falling behind.
	Disconnects int64 `json:"disconnects"`
}

// Job is a point-in-time snapshot of one background job.
type Job struct {
	ID         string         `json:"job_id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	Params     map[string]any `json:"params,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Stats      Stats          `json:"stats"`
	Logs       []LogEntry     `json:"logs,omitempty"`
	ActionLogs []ActionLog    `json:"action_logs,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Event types delivered to subscribers.
const (
	// EventLog carries one log line.
	EventLog = "event"
	// EventAction carries one action log with its cursor.
	EventAction = "action"
	// EventStatus announces a status transition.
	EventStatus = "status"
	// EventHeartbeat carries a log-less snapshot during quiet stretches.
	EventHeartbeat = "heartbeat"
	// EventResult is the terminal event carrying result or error.
	EventResult = "result"
	// EventOverflow is the last event a slow subscriber sees before
	// being disconnected.
	EventOverflow = "overflow"
)

// Event is one item on a subscriber channel.
type Event struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Action  string         `json:"action,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Cursor  int64          `json:"cursor,omitempty"`
	Status  Status         `json:"status,omitempty"`
	// Job is a log-less snapshot, present on heartbeat and result
	// events.
	Job *Job      `json:"job,omitempty"`
	At  time.Time `json:"at"`
}
