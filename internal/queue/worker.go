package queue

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"
)

func (q *Queue) HandleDispatchPassTask(ctx context.Context, task *asynq.Task) error {
	var payload DispatchPassPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	summary, err := q.dispatcher.Run(ctx)
	if err != nil {
		log.Printf("dispatch pass failed: %v", err)
		return err
	}

	if summary.Processed > 0 {
		log.Printf("dispatch pass done: processed=%d successful=%d failed=%d",
			summary.Processed, summary.Successful, summary.Failed)
		for _, e := range summary.Errors {
			log.Printf("dispatch: %s", e)
		}
	}

	return nil
}
