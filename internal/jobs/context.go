package jobs

import "github.com/rs/zerolog"

// JobContext identifies the job a handler is running. Its Logger already
// carries task, job_id, run_id and attempt.
type JobContext struct {
	JobID    string
	RunID    string
	ParentID string
	TaskName string
	Attempt  int
	Logger   zerolog.Logger
}
