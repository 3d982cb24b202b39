package v1

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailure  TaskStatus = "failure"
)

// Terminal reports whether the status can no longer change
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailure
}

// HistoryEntry is one recorded event in a task's history
type HistoryEntry struct {
	Timestamp Time                   `json:"timestamp"`
	Event     string                 `json:"event"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Task represents a unit of work dispatched to a server's agent
type Task struct {
	ID           string                 `json:"id"`
	ServerID     string                 `json:"server_id"`
	Kind         string                 `json:"kind"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Status       TaskStatus             `json:"status"`
	History      []HistoryEntry         `json:"history"`
	CreatedAt    Time                   `json:"created_at"`
	LastModified Time                   `json:"last_modified"`
}

// TaskCreated is the response body for task creation
type TaskCreated struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
}
