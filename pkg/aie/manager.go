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

package aie

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

type partitionState struct {
	config  PartitionConfig
	freqMHz uint64
	handles int
}

// Manager is the default PartitionManager. All state is guarded by a single
// mutex; the manager never takes part in fabric slot locking.
type Manager struct {
	log        logr.Logger
	mutex      sync.Mutex
	partitions map[int]*partitionState
	handles    map[uint32]*Handle
	nextHandle uint32
}

// NewManager creates a Manager from the partition layout. Partition IDs must
// be unique; every partition starts at its configured default frequency.
func NewManager(partitions []PartitionConfig, log logr.Logger) (*Manager, error) {
	m := &Manager{
		log:        log,
		partitions: make(map[int]*partitionState),
		handles:    make(map[uint32]*Handle),
	}

	for _, config := range partitions {
		if _, ok := m.partitions[config.ID]; ok {
			return nil, errors.Errorf("duplicate partition id %d", config.ID)
		}

		if config.MinFreqMHz > config.MaxFreqMHz {
			return nil, errors.Errorf("partition %d: min frequency %d above max %d", config.ID, config.MinFreqMHz, config.MaxFreqMHz)
		}

		m.partitions[config.ID] = &partitionState{
			config:  config,
			freqMHz: config.DefaultFreqMHz,
		}
	}

	return m, nil
}

// RequestPartitionHandle implements PartitionManager.
func (m *Manager) RequestPartitionHandle(partitionID int, flags uint32) (*Handle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	partition, ok := m.partitions[partitionID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPartition, "partition %d", partitionID)
	}

	m.nextHandle++
	handle := &Handle{
		ID:          m.nextHandle,
		PartitionID: partitionID,
		Flags:       flags,
	}

	m.handles[handle.ID] = handle
	partition.handles++

	m.log.V(1).Info("partition handle granted", "partition", partitionID, "handle", handle.ID)

	return handle, nil
}

// ReleaseHandle implements PartitionManager.
func (m *Manager) ReleaseHandle(handleID uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	handle, ok := m.handles[handleID]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "handle %d", handleID)
	}

	delete(m.handles, handleID)
	m.partitions[handle.PartitionID].handles--

	m.log.V(1).Info("partition handle released", "partition", handle.PartitionID, "handle", handleID)

	return nil
}

// Reset implements PartitionManager. The array may only be reset while no
// partition handles are outstanding; partitions return to their default
// frequency.
func (m *Manager) Reset() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.handles) != 0 {
		return errors.Wrapf(ErrBusy, "%d handles outstanding", len(m.handles))
	}

	for _, partition := range m.partitions {
		partition.freqMHz = partition.config.DefaultFreqMHz
	}

	m.log.V(1).Info("aie array reset")

	return nil
}

// SetFrequency implements PartitionManager.
func (m *Manager) SetFrequency(partitionID int, freqMHz uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	partition, ok := m.partitions[partitionID]
	if !ok {
		return errors.Wrapf(ErrUnknownPartition, "partition %d", partitionID)
	}

	if freqMHz < partition.config.MinFreqMHz || freqMHz > partition.config.MaxFreqMHz {
		return errors.Wrapf(ErrFrequencyRange, "%d MHz outside [%d, %d]", freqMHz, partition.config.MinFreqMHz, partition.config.MaxFreqMHz)
	}

	partition.freqMHz = freqMHz

	m.log.V(1).Info("partition frequency set", "partition", partitionID, "freqMHz", freqMHz)

	return nil
}

// Partitions implements PartitionManager, ordered by partition ID.
func (m *Manager) Partitions() []PartitionStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	statuses := make([]PartitionStatus, 0, len(m.partitions))

	for _, partition := range m.partitions {
		statuses = append(statuses, PartitionStatus{
			PartitionConfig: partition.config,
			FreqMHz:         partition.freqMHz,
			OpenHandles:     partition.handles,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })

	return statuses
}
