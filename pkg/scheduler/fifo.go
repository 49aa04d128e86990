// Copyright 2024 The Fabric Device Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"

	"github.com/go-logr/logr"
)

// Executor runs one command to completion. The default executor accepts
// everything; real deployments plug in the hardware queue here.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) error
}

// NopExecutor reports immediate success for every command.
type NopExecutor struct{}

// Execute implements Executor.
func (NopExecutor) Execute(_ context.Context, _ *Command) error { return nil }

// FIFO executes submitted commands in submission order on a single drain
// goroutine. Completion callbacks run on that goroutine.
type FIFO struct {
	log      logr.Logger
	executor Executor
	queue    chan *Command
	done     chan struct{}
}

// NewFIFO creates a FIFO scheduler with the given queue depth. The scheduler
// accepts commands only while Run is active.
func NewFIFO(executor Executor, depth int, log logr.Logger) *FIFO {
	return &FIFO{
		log:      log,
		executor: executor,
		queue:    make(chan *Command, depth),
		done:     make(chan struct{}),
	}
}

// Submit implements Scheduler.
func (f *FIFO) Submit(cmd *Command) error {
	select {
	case <-f.done:
		return ErrStopped
	default:
	}

	cmd.State = StateQueued

	select {
	case f.queue <- cmd:
		return nil
	default:
		cmd.State = StateNew
		return ErrQueueFull
	}
}

// Run drains the queue until the context is cancelled. Commands still queued
// at cancellation are aborted through their completion callbacks so submitters
// can release any state tied to them.
func (f *FIFO) Run(ctx context.Context) {
	defer close(f.done)

	f.log.V(1).Info("command scheduler started")

	for {
		select {
		case <-ctx.Done():
			f.abortQueued(ctx.Err())
			f.log.V(1).Info("command scheduler stopped")

			return
		case cmd := <-f.queue:
			f.execute(ctx, cmd)
		}
	}
}

func (f *FIFO) execute(ctx context.Context, cmd *Command) {
	cmd.State = StateRunning

	f.log.V(4).Info("executing command", "id", cmd.ID, "slot", cmd.SlotID, "generation", cmd.Generation)

	if err := f.executor.Execute(ctx, cmd); err != nil {
		f.log.Error(err, "command failed", "id", cmd.ID)
		cmd.finish(StateError, err)

		return
	}

	cmd.finish(StateCompleted, nil)
}

func (f *FIFO) abortQueued(cause error) {
	for {
		select {
		case cmd := <-f.queue:
			cmd.finish(StateAborted, cause)
		default:
			return
		}
	}
}
