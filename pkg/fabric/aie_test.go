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
	"errors"
	"testing"

	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

func newAieTestDevice(t *testing.T) *Device {
	t.Helper()

	partitions := []aie.PartitionConfig{
		{ID: 0, StartColumn: 0, NumColumns: 25, MinFreqMHz: 100, MaxFreqMHz: 1250, DefaultFreqMHz: 1000},
		{ID: 1, StartColumn: 25, NumColumns: 25, MinFreqMHz: 100, MaxFreqMHz: 1250, DefaultFreqMHz: 1000},
	}

	manager, err := aie.NewManager(partitions, klog.Background())
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	d, err := NewDevice(Config{SlotCount: 1, Scheduler: scheduler.NewFake(), Aie: manager})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	return d
}

func TestAiePartitionHandleLifecycle(t *testing.T) {
	d := newAieTestDevice(t)
	clientID := d.OpenClient(false)

	handle, err := d.AieRequestPartitionHandle(clientID, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if handle.PartitionID != 0 {
		t.Errorf("expected partition 0, got %d", handle.PartitionID)
	}

	info, err := d.ClientInfo(clientID)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if len(info.AieHandles) != 1 || info.AieHandles[0] != handle.ID {
		t.Errorf("handle not registered to client: %+v", info.AieHandles)
	}

	if err := d.AieReleasePartitionHandle(clientID, handle.ID); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	info, err = d.ClientInfo(clientID)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if len(info.AieHandles) != 0 {
		t.Errorf("handle still registered after release: %+v", info.AieHandles)
	}

	// Double release and unknown handle ids are indistinguishable to the
	// client: the handle is simply not held.
	if err := d.AieReleasePartitionHandle(clientID, handle.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAieHandleErrors(t *testing.T) {
	d := newAieTestDevice(t)
	clientID := d.OpenClient(false)

	if _, err := d.AieRequestPartitionHandle("nosuchclient", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := d.AieRequestPartitionHandle(clientID, 7, 0); !errors.Is(err, aie.ErrUnknownPartition) {
		t.Errorf("expected ErrUnknownPartition, got %v", err)
	}

	// A handle granted to one client cannot be released through another.
	handle, err := d.AieRequestPartitionHandle(clientID, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	otherID := d.OpenClient(false)
	if err := d.AieReleasePartitionHandle(otherID, handle.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAieResetRefusedWhileHandlesOpen(t *testing.T) {
	d := newAieTestDevice(t)
	clientID := d.OpenClient(false)

	handle, err := d.AieRequestPartitionHandle(clientID, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if err := d.AieReset(clientID); !errors.Is(err, aie.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	if err := d.AieReleasePartitionHandle(clientID, handle.ID); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if err := d.AieReset(clientID); err != nil {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestAieSetFrequency(t *testing.T) {
	d := newAieTestDevice(t)
	clientID := d.OpenClient(false)

	if err := d.AieSetFrequency(clientID, 0, 1250); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	var found bool
	for _, status := range d.Status().Partitions {
		if status.ID == 0 {
			found = true
			if status.FreqMHz != 1250 {
				t.Errorf("expected 1250 MHz, got %d", status.FreqMHz)
			}
		}
	}

	if !found {
		t.Fatal("partition 0 missing from device status")
	}

	if err := d.AieSetFrequency(clientID, 0, 50); !errors.Is(err, aie.ErrFrequencyRange) {
		t.Errorf("expected ErrFrequencyRange, got %v", err)
	}

	if err := d.AieSetFrequency("nosuchclient", 0, 1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseClientReleasesAieHandles(t *testing.T) {
	d := newAieTestDevice(t)
	clientID := d.OpenClient(false)

	if _, err := d.AieRequestPartitionHandle(clientID, 0, 0); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if _, err := d.AieRequestPartitionHandle(clientID, 1, 0); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if err := d.CloseClient(clientID); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// All handles are back, so the reset goes through.
	otherID := d.OpenClient(false)
	if err := d.AieReset(otherID); err != nil {
		t.Errorf("unexpected error: %+v", err)
	}
}
