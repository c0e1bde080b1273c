// Package deliveryqueue decouples notification producers from fanout through
// SQS. Consumers retry failed items individually through partial batch
// responses and move exhausted items to a dead-letter queue.
package deliveryqueue

import (
	"encoding/json"
	"fmt"

	"github.com/sessionly/sessionly-go/notificationdao"
)

// Job is the SQS message body for one notification delivery.
type Job struct {
	Notification notificationdao.Notification `json:"notification"`
	EnqueuedAt   int64                        `json:"enqueuedAt"`
}

func decodeJob(body string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("decoding delivery job: %w", err)
	}
	if job.Notification.ID == "" || job.Notification.RecipientUserID == "" {
		return Job{}, fmt.Errorf("delivery job missing notification id or recipient")
	}
	return job, nil
}

// QueueName returns the delivery queue name for the given environment.
func QueueName(env string) string {
	return env + "-sessionly--notification-delivery"
}

// DeadLetterQueueName returns the dead-letter queue name for the given environment.
func DeadLetterQueueName(env string) string {
	return QueueName(env) + "-dlq"
}
