package queue

import (
	"time"

	"featherpost/internal/dispatch"
)

type Queue struct {
	dispatcher *dispatch.Dispatcher
}

func NewQueue(dispatcher *dispatch.Dispatcher) *Queue {
	return &Queue{
		dispatcher: dispatcher,
	}
}

const TaskTypeDispatchPass = "dispatch:pass"

type DispatchPassPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}
