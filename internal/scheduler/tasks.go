package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskBillingEvent = "billing.event.apply"

// BillingEventPayload carries a processor event whose signature was verified at intake.
type BillingEventPayload struct {
	EventID string          `json:"eventId"`
	Body    json.RawMessage `json:"body"`
}

func NewBillingEventTask(payload BillingEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingEvent, data), nil
}

func ParseBillingEventPayload(task *asynq.Task) (BillingEventPayload, error) {
	var payload BillingEventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return BillingEventPayload{}, err
	}
	return payload, nil
}
