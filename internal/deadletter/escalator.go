// Package deadletter escalates events that exhausted their in-process retry
// budget, such as a billing write that failed N times or a processing
// entry the reaper gave up requeuing, to durable, at-least-once delivery so
// an operator gets paged instead of the event silently vanishing.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// Entry is what gets escalated: the original payload plus why it's here.
type Entry struct {
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
	Payload   []byte `json:"payload"`
}

// Escalator hands a permanently-failed entry off to something durable.
type Escalator interface {
	Escalate(ctx context.Context, entry Entry) error
}

// CloudTasksEscalator posts each entry as an HTTP task against an ops-alert
// endpoint. Cloud Tasks owns the retry/backoff and dead-letter-queue
// semantics from there; this is a one-shot enqueue, not a retry loop.
type CloudTasksEscalator struct {
	client    *cloudtasks.Client
	queuePath string
	alertURL  string
	logger    *log.Logger
	fallback  Escalator
}

func NewCloudTasksEscalator(projectID, locationID, queueID, alertURL string, fallback Escalator) (*CloudTasksEscalator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	return &CloudTasksEscalator{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		alertURL:  alertURL,
		logger:    log.New(log.Writer(), "[DeadLetter] ", log.LstdFlags),
		fallback:  fallback,
	}, nil
}

func (c *CloudTasksEscalator) Escalate(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        c.alertURL,
					Headers:    map[string]string{"Content-Type": "application/json", "X-Deadletter-Kind": entry.Kind},
					Body:       body,
				},
			},
		},
	}

	if _, err := c.client.CreateTask(ctx, req); err != nil {
		c.logger.Printf("cloud task enqueue failed, falling back: %v", err)
		if c.fallback != nil {
			return c.fallback.Escalate(ctx, entry)
		}
		return fmt.Errorf("cloudtasks create task: %w", err)
	}
	return nil
}

func (c *CloudTasksEscalator) Close() error {
	return c.client.Close()
}

// BrokerEscalator is the local-dev/fallback path: push the dead-letter entry
// onto the broker's shared list rather than escalate out of process.
type BrokerEscalator struct {
	Push func(ctx context.Context, payload []byte) error
}

func (b *BrokerEscalator) Escalate(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	return b.Push(ctx, body)
}

var _ Escalator = (*CloudTasksEscalator)(nil)
var _ Escalator = (*BrokerEscalator)(nil)
