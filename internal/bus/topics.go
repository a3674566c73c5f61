package bus

// Task lifecycle topics. Every topic starts with TopicTaskPrefix so a single
// subscription can follow the whole queue.
const (
	TopicTaskPrefix    = "task."
	TopicTaskPosted    = "task.posted"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskError     = "task.error"
	TopicTaskDeleted   = "task.deleted"
)

// Fleet topics.
const (
	TopicFleetPrefix = "fleet."
	TopicFleetSwept  = "fleet.swept"
	TopicFleetReload = "fleet.config_reloaded"
)

// TaskTopic returns the lifecycle topic for an event name ("claimed" -> "task.claimed").
func TaskTopic(event string) string {
	return TopicTaskPrefix + event
}

// SweepEvent is published after a cleanup sweep finishes.
type SweepEvent struct {
	Evicted    int64 // agents removed
	Reconciled int64 // tasks failed because their agent went quiet
	Purged     int64 // finished tasks past retention
}
