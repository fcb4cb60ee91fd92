package domain

import (
	"encoding/json"
	"time"
)

// QueueName identifies one of the logical job queues.
type QueueName string

const (
	QueueIntake     QueueName = "intake"
	QueueCollection QueueName = "collection"
	QueueCard       QueueName = "card"
	QueueAdmin      QueueName = "admin"
)

// Queues lists every queue a worker pool is started for.
var Queues = []QueueName{QueueIntake, QueueCollection, QueueCard, QueueAdmin}

// JobType names the handler a job is dispatched to.
type JobType string

const (
	JobImport           JobType = "import"
	JobEnrichCollection JobType = "enrich_collection"
	JobEnrichCard       JobType = "enrich_card"
	JobReenrichCard     JobType = "reenrich_card"
)

// JobState is the queue state of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobParked    JobState = "parked"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ImportEntry is one normalized symbol of an import job.
type ImportEntry struct {
	Symbol        string `json:"symbol"`
	Pronunciation string `json:"pronunciation,omitempty"`
}

// JobPayload carries every field any job type needs.
type JobPayload struct {
	CollectionID string        `json:"collectionId,omitempty"`
	CardID       string        `json:"cardId,omitempty"`
	CardIDs      []string      `json:"cardIds,omitempty"`
	Requester    string        `json:"requester,omitempty"`
	Force        bool          `json:"force,omitempty"`
	Override     bool          `json:"override,omitempty"`
	Selection    *Selection    `json:"selection,omitempty"`
	Entries      []ImportEntry `json:"entries,omitempty"`
}

// Job is a queued unit of work.
type Job struct {
	ID          string
	Queue       QueueName
	Type        JobType
	Payload     JobPayload
	State       JobState
	Attempts    int
	MaxAttempts int
	VisibleAt   time.Time
	Progress    json.RawMessage
	Result      json.RawMessage
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  time.Time
}

// JobStatus is the caller-facing view of a job.
type JobStatus struct {
	ID       string          `json:"id"`
	Type     JobType         `json:"type"`
	State    JobState        `json:"state"`
	Attempts int             `json:"attempts"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Status converts a job into its caller-facing view.
func (j *Job) Status() JobStatus {
	return JobStatus{
		ID:       j.ID,
		Type:     j.Type,
		State:    j.State,
		Attempts: j.Attempts,
		Progress: j.Progress,
		Result:   j.Result,
		Error:    j.Error,
	}
}
