package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"nexus-pipeline/pkg/task"
	"nexus-pipeline/pkg/taskname"
	"nexus-pipeline/services/job"

	"github.com/hibiken/asynq"
)

// handlerGrace is added to the compute budget so the handler can record a
// timeout before asynq cancels it.
const handlerGrace = 30 * time.Second

type JobPayload struct {
	JobID string `json:"job_id"`
}

func TaskType(t job.Type) string {
	if t == job.TypeAnalyze {
		return taskname.JobAnalyze
	}
	return taskname.JobSummarize
}

// NewJobTask builds the work item for j. MaxRetry only covers redelivery after
// infrastructure errors; attempt accounting lives on the job row.
func NewJobTask(j *job.Job, budget time.Duration) *asynq.Task {
	payload, _ := json.Marshal(JobPayload{JobID: j.ID})
	return asynq.NewTask(TaskType(j.Type), payload,
		asynq.MaxRetry(j.MaxAttempts),
		asynq.Timeout(budget+handlerGrace),
		asynq.Queue(task.QueueDefault),
	)
}

// JobTaskID makes each attempt of a job a distinct, deduplicated queue item.
func JobTaskID(jobID string, attempt int) string {
	return fmt.Sprintf("job:%s:%d", jobID, attempt)
}
