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

// Package scheduler queues execution commands for the compute fabric and
// reports their completion asynchronously.
package scheduler

import (
	"github.com/pkg/errors"
)

// State is the lifecycle state of a submitted command.
type State int

// Command lifecycle states.
const (
	StateNew State = iota
	StateQueued
	StateRunning
	StateCompleted
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	}

	return "unknown"
}

// Errors returned by Submit.
var (
	ErrQueueFull = errors.New("command queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
)

// CompletionFunc is invoked exactly once when a command reaches a terminal
// state. It runs on the scheduler's completion path, so it must not block.
type CompletionFunc func(*Command)

// Command is one execution buffer submitted to the fabric. The scheduler
// owns the command from Submit until the completion callback has returned.
type Command struct {
	// ID identifies the command to the submitting client.
	ID string
	// SlotID is the slot whose compute units execute the command.
	SlotID int
	// CuMask selects the CUs addressed by the command, one bit per CU.
	CuMask uint64
	// Generation is the slot's bitstream generation the command was
	// validated against at submission time.
	Generation uint64
	// PayloadSize is the length of the execution buffer in bytes.
	PayloadSize int

	// State is maintained by the scheduler.
	State State
	// Err holds the execution error for commands ending in StateError
	// or StateAborted.
	Err error

	// OnComplete, if set, is called after the command reaches a
	// terminal state.
	OnComplete CompletionFunc
}

// Scheduler accepts tagged commands for asynchronous execution.
type Scheduler interface {
	// Submit enqueues the command. It never blocks: a full queue or a
	// stopped scheduler is reported as an error immediately.
	Submit(cmd *Command) error
}

func (c *Command) finish(state State, err error) {
	c.State = state
	c.Err = err

	if c.OnComplete != nil {
		c.OnComplete(c)
	}
}
