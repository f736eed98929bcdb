package bus

// Queue names. Each durable queue declares <name>_dlq as its dead-letter
// target and supports priorities 0-10. Routing is by fixed queue per task
// type; there are no topic exchanges.
const (
	FileQueue    = "file_processing_queue"
	ChatQueue    = "chat_processing_queue"
	GradingQueue = "visitor_grading_queue"
	EmailQueue   = "email_queue"

	DLQSuffix = "_dlq"
)

var queueByType = map[TaskType]string{
	TaskFileUpload:     FileQueue,
	TaskCrawl:          FileQueue,
	TaskDeleteDocument: FileQueue,
	TaskRecrawl:        FileQueue,
	TaskChat:           ChatQueue,
	TaskGrading:        GradingQueue,
	TaskAssessment:     GradingQueue,
	TaskEmail:          EmailQueue,
}

// QueueFor returns the queue a task type routes to.
func QueueFor(t TaskType) (string, bool) {
	q, ok := queueByType[t]
	return q, ok
}

// AllQueues lists every queue the system declares at startup.
func AllQueues() []string {
	return []string{FileQueue, ChatQueue, GradingQueue, EmailQueue}
}
