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
	"sync"

	"github.com/pkg/errors"
)

// Fake is a Scheduler that holds submitted commands until the test completes
// them explicitly. It lets tests pin commands in flight across bitstream
// generations.
type Fake struct {
	mutex   sync.Mutex
	pending map[string]*Command

	// SubmitError, when set, is returned by Submit without recording
	// the command.
	SubmitError error
}

// NewFake creates an empty fake scheduler.
func NewFake() *Fake {
	return &Fake{
		pending: make(map[string]*Command),
	}
}

// Submit implements Scheduler.
func (f *Fake) Submit(cmd *Command) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.SubmitError != nil {
		return f.SubmitError
	}

	cmd.State = StateQueued
	f.pending[cmd.ID] = cmd

	return nil
}

// Complete finishes the identified command with the given execution error.
func (f *Fake) Complete(id string, execErr error) error {
	f.mutex.Lock()
	cmd, ok := f.pending[id]
	delete(f.pending, id)
	f.mutex.Unlock()

	if !ok {
		return errors.Errorf("unknown command %q", id)
	}

	if execErr != nil {
		cmd.finish(StateError, execErr)
	} else {
		cmd.finish(StateCompleted, nil)
	}

	return nil
}

// CompleteAll finishes every pending command successfully and reports how
// many commands were completed.
func (f *Fake) CompleteAll() int {
	f.mutex.Lock()
	cmds := make([]*Command, 0, len(f.pending))

	for _, cmd := range f.pending {
		cmds = append(cmds, cmd)
	}

	f.pending = make(map[string]*Command)
	f.mutex.Unlock()

	for _, cmd := range cmds {
		cmd.finish(StateCompleted, nil)
	}

	return len(cmds)
}

// Pending reports the number of commands submitted but not yet completed.
func (f *Fake) Pending() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.pending)
}
