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

// Package fabric implements the control plane of a reconfigurable compute
// fabric device: bitstream loading into slots, hardware context and CU
// context lifecycle, command admission and aperture lookup.
//
// The core coordination rule is per slot: a new bitstream may replace the
// loaded one only while the slot has no live hardware contexts and no
// undrained commands. Every operation that moves one of those counters runs
// under the slot's own exclusion, so a swap can never observe a torn state.
package fabric

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

// ImageLoader validates a bitstream payload and returns its parsed form.
// Rejected payloads are reported as ErrInvalidBitstream.
type ImageLoader interface {
	Parse(payload []byte) (*bitstream.Image, error)
}

// Programmer applies a validated image to the physical slot. Failures leave
// the slot's previous configuration active.
type Programmer interface {
	Program(slotID int, image *bitstream.Image) error
}

// NopProgrammer accepts every image without touching hardware.
type NopProgrammer struct{}

// Program implements Programmer.
func (NopProgrammer) Program(int, *bitstream.Image) error { return nil }

// FaultInjector consumes error descriptors injected through the privileged
// error operation.
type FaultInjector interface {
	Inject(desc ErrorDescriptor) error
}

// Config carries device construction parameters. Zero-valued collaborators
// are replaced with defaults; Scheduler is required.
type Config struct {
	// SlotCount is the fixed number of bitstream slots, at least one.
	SlotCount int
	// JournalCapacity bounds the device error journal. Zero selects the
	// default of 32 records.
	JournalCapacity int

	Loader     ImageLoader
	Programmer Programmer
	Scheduler  scheduler.Scheduler
	Injector   FaultInjector
	Aie        aie.PartitionManager
}

// Device is the control plane of one accelerator. All operations are safe
// for concurrent use by multiple clients.
type Device struct {
	slots      []*slot
	loader     ImageLoader
	programmer Programmer
	scheduler  scheduler.Scheduler
	injector   FaultInjector
	aie        aie.PartitionManager
	journal    *errorJournal

	// mutex guards the context and client tables. Slot state has its own
	// per-slot exclusion and is never mutated under this lock alone.
	mutex     sync.Mutex
	contexts  map[uint32]*HardwareContext
	clients   map[string]*Client
	nextCtxID uint32

	// nextCuIndex allocates device-wide CU indices. Indices are never
	// reused, so a CU index identifies one load of one slot forever.
	nextCuIndex atomic.Uint32
}

// NewDevice creates a device with SlotCount empty slots.
func NewDevice(config Config) (*Device, error) {
	if config.SlotCount < 1 {
		return nil, errors.Errorf("invalid slot count %d", config.SlotCount)
	}

	if config.Scheduler == nil {
		return nil, errors.New("a command scheduler is required")
	}

	if config.Loader == nil {
		config.Loader = defaultLoader{}
	}

	if config.Programmer == nil {
		config.Programmer = NopProgrammer{}
	}

	if config.JournalCapacity <= 0 {
		config.JournalCapacity = defaultJournalCapacity
	}

	d := &Device{
		loader:     config.Loader,
		programmer: config.Programmer,
		scheduler:  config.Scheduler,
		aie:        config.Aie,
		journal:    newErrorJournal(config.JournalCapacity),
		contexts:   make(map[uint32]*HardwareContext),
		clients:    make(map[string]*Client),
	}

	if config.Injector == nil {
		config.Injector = journalInjector{journal: d.journal}
	}

	d.injector = config.Injector

	if d.aie == nil {
		manager, err := aie.NewManager(nil, klog.Background())
		if err != nil {
			return nil, err
		}

		d.aie = manager
	}

	d.slots = make([]*slot, config.SlotCount)
	for i := range d.slots {
		d.slots[i] = newSlot(i)
	}

	klog.V(1).Infof("device initialized with %d slots", config.SlotCount)

	return d, nil
}

// slotByID returns the addressed slot. Slots are fixed at construction, so
// no locking is needed for the lookup itself.
func (d *Device) slotByID(slotID int) (*slot, error) {
	if slotID < 0 || slotID >= len(d.slots) {
		return nil, errors.Wrapf(ErrNotFound, "unknown slot %d", slotID)
	}

	return d.slots[slotID], nil
}

// DeviceStatus is a point-in-time view of the whole device.
type DeviceStatus struct {
	Slots      []SlotStatus          `json:"slots"`
	Clients    int                   `json:"clients"`
	Contexts   int                   `json:"contexts"`
	Partitions []aie.PartitionStatus `json:"partitions"`
}

// Status reports the current state of every slot, the table sizes and the
// AI engine partitions.
func (d *Device) Status() DeviceStatus {
	d.mutex.Lock()
	status := DeviceStatus{
		Clients:  len(d.clients),
		Contexts: len(d.contexts),
	}
	d.mutex.Unlock()

	for _, s := range d.slots {
		status.Slots = append(status.Slots, s.status())
	}

	status.Partitions = d.aie.Partitions()

	return status
}

type defaultLoader struct{}

// Parse implements ImageLoader on top of the container parser.
func (defaultLoader) Parse(payload []byte) (*bitstream.Image, error) {
	image, err := bitstream.ParseImage(payload)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidBitstream, err.Error())
	}

	return image, nil
}
