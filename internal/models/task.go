package models

// TaskKeyPrefix prefixes every dispatch task key.
const TaskKeyPrefix = "scoring-"

// DispatchTask is the queue message for one job's scoring request.
type DispatchTask struct {
	JobID       string `json:"jobId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TenantID    string `json:"tenantId"`
	Attempts    int    `json:"attempts"`
}

// TaskKey returns the deterministic deduplication key for a job.
func TaskKey(jobID string) string {
	return TaskKeyPrefix + jobID
}

// Key returns the task's deduplication key.
func (t DispatchTask) Key() string {
	return TaskKey(t.JobID)
}

// NewDispatchTask builds the task for a persisted job.
func NewDispatchTask(job Job) DispatchTask {
	return DispatchTask{
		JobID:       job.ID,
		Title:       job.Title,
		Description: job.Description,
		TenantID:    job.TenantID,
	}
}
