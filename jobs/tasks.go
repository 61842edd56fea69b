package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConsolidationRun executes due monthly consolidations and plans
	// next month's tasks.
	TaskConsolidationRun = "einvoice:consolidation:run"
)

// ConsolidationRunPayload configures one consolidation pass.
type ConsolidationRunPayload struct {
	// SkipScheduling disables the schedule-next-month step, used by manual
	// catch-up runs.
	SkipScheduling bool `json:"skip_scheduling,omitempty"`
}

// NewConsolidationRunTask constructs an Asynq task for the daily
// consolidation pass.
func NewConsolidationRunTask(payload ConsolidationRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsolidationRun, body, asynq.Queue(QueueDefault)), nil
}
