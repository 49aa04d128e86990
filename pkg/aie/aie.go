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

// Package aie manages the auxiliary AI engine array: partition handles,
// array reset and per-partition frequency scaling.
package aie

import (
	"github.com/pkg/errors"
)

// Errors reported by the partition manager.
var (
	ErrBusy             = errors.New("aie: outstanding partition handles")
	ErrUnknownPartition = errors.New("aie: unknown partition")
	ErrUnknownHandle    = errors.New("aie: unknown handle")
	ErrFrequencyRange   = errors.New("aie: frequency out of range")
)

// PartitionConfig describes one AI engine partition, a contiguous column
// range of the array.
type PartitionConfig struct {
	ID             int    `yaml:"id" json:"id"`
	StartColumn    int    `yaml:"startColumn" json:"startColumn"`
	NumColumns     int    `yaml:"numColumns" json:"numColumns"`
	MinFreqMHz     uint64 `yaml:"minFreqMHz" json:"minFreqMHz"`
	MaxFreqMHz     uint64 `yaml:"maxFreqMHz" json:"maxFreqMHz"`
	DefaultFreqMHz uint64 `yaml:"defaultFreqMHz" json:"defaultFreqMHz"`
}

// Handle grants its holder access to one partition. Handles stay valid
// until released; a device reset is refused while any handle is out.
type Handle struct {
	ID          uint32 `json:"id"`
	PartitionID int    `json:"partitionID"`
	Flags       uint32 `json:"flags,omitempty"`
}

// PartitionStatus is a point-in-time view of one partition.
type PartitionStatus struct {
	PartitionConfig
	FreqMHz     uint64 `json:"freqMHz"`
	OpenHandles int    `json:"openHandles"`
}

// PartitionManager hands out partition handles and controls the array.
type PartitionManager interface {
	RequestPartitionHandle(partitionID int, flags uint32) (*Handle, error)
	ReleaseHandle(handleID uint32) error
	Reset() error
	SetFrequency(partitionID int, freqMHz uint64) error
	Partitions() []PartitionStatus
}
