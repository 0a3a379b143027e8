package queue

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

// EnqueueDispatchPass schedules one dispatch pass. The task is unique
// for a minute, so a pass still running when the next tick fires is not
// stacked behind a duplicate; combined with the worker's concurrency of
// one this guarantees at most one active pass.
func EnqueueDispatchPass(asynqClient *asynq.Client) error {
	taskPayload, err := json.Marshal(DispatchPassPayload{RequestedAt: time.Now()})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeDispatchPass, taskPayload)

	_, err = asynqClient.Enqueue(task, asynq.Unique(time.Minute))
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			log.Println("dispatch pass already queued, skipping")
			return nil
		}
		return err
	}

	return nil
}
