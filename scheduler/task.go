// File: scheduler/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
)

// AnyWorker schedules a task on whichever worker takes it first.
const AnyWorker = -1

// Task is a unit held in the ready queue: a fiber or a bare callback,
// plus a worker-affinity hint.
type Task struct {
	Fiber  *fiber.Fiber
	Cb     func()
	Worker int
}

func toTask(v any, workerID int) (*Task, error) {
	switch t := v.(type) {
	case *fiber.Fiber:
		if t == nil || t.IsBootstrap() {
			return nil, api.ErrInvalidArgument
		}
		return &Task{Fiber: t, Worker: workerID}, nil
	case func():
		if t == nil {
			return nil, api.ErrInvalidArgument
		}
		return &Task{Cb: t, Worker: workerID}, nil
	case *Task:
		if t == nil || (t.Fiber == nil && t.Cb == nil) {
			return nil, api.ErrInvalidArgument
		}
		return t, nil
	default:
		return nil, api.ErrInvalidArgument
	}
}
