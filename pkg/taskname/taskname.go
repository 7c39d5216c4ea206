package taskname

const (
	// Job tasks, one per job type
	JobSummarize = "job:summarize"
	JobAnalyze   = "job:analyze"

	// Webhook tasks
	WebhookDeliver = "webhook:deliver"
)
