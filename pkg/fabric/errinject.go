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

package fabric

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const defaultJournalCapacity = 32

// Error classes and severities understood by the default injector. Custom
// injectors may define their own vocabulary.
const (
	ErrorClassSystem   = "system"
	ErrorClassAie      = "aie"
	ErrorClassFirewall = "firewall"

	ErrorSeverityInfo     = "info"
	ErrorSeverityWarning  = "warning"
	ErrorSeverityError    = "error"
	ErrorSeverityCritical = "critical"
)

// ErrorDescriptor describes one injected error.
type ErrorDescriptor struct {
	Class    string `json:"class"`
	Module   string `json:"module,omitempty"`
	Severity string `json:"severity,omitempty"`
	Number   int    `json:"number"`
}

// ErrorRecord is a journaled error with its injection time.
type ErrorRecord struct {
	ErrorDescriptor
	Timestamp time.Time `json:"timestamp"`
}

// errorJournal keeps the most recent error records, oldest dropped first.
type errorJournal struct {
	mutex    sync.Mutex
	capacity int
	records  []ErrorRecord
}

func newErrorJournal(capacity int) *errorJournal {
	return &errorJournal{capacity: capacity}
}

func (j *errorJournal) append(desc ErrorDescriptor) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if len(j.records) == j.capacity {
		j.records = j.records[1:]
	}

	j.records = append(j.records, ErrorRecord{
		ErrorDescriptor: desc,
		Timestamp:       time.Now(),
	})
}

func (j *errorJournal) snapshot() []ErrorRecord {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	records := make([]ErrorRecord, len(j.records))
	copy(records, j.records)

	return records
}

// journalInjector is the default FaultInjector: it records the descriptor in
// the device journal.
type journalInjector struct {
	journal *errorJournal
}

// Inject implements FaultInjector.
func (i journalInjector) Inject(desc ErrorDescriptor) error {
	i.journal.append(desc)

	klog.V(1).Infof("error injected: class=%s module=%s severity=%s number=%d",
		desc.Class, desc.Module, desc.Severity, desc.Number)

	return nil
}

// InjectError forwards an error descriptor to the fault injector. The
// operation requires a privileged client handle; the injector's result is
// returned unchanged.
func (d *Device) InjectError(clientID string, desc ErrorDescriptor) error {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return err
	}

	if err := admitPrivileged("error injection", client); err != nil {
		return err
	}

	return d.injector.Inject(desc)
}

// Errors returns the journaled error records, oldest first.
func (d *Device) Errors() []ErrorRecord {
	return d.journal.snapshot()
}
