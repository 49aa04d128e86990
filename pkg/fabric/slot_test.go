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
	"time"

	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

func TestLoadBitstream(t *testing.T) {
	d, _ := newTestDevice(t, 2)
	clientID := d.OpenClient(false)

	info, err := d.LoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageA, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if info.SlotID != 0 || info.Generation != 1 || info.CuCount != 1 || info.CuIndexBase != 0 {
		t.Errorf("unexpected load info: %+v", info)
	}
	if info.FabricUUID != fabricA || info.ImageUUID != imageA {
		t.Errorf("unexpected image identity: %+v", info)
	}

	// CU indices keep growing across slots and loads.
	info, err = d.LoadBitstream(clientID, 1, testImagePayload(t, fabricB, imageB, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if info.SlotID != 1 || info.Generation != 1 || info.CuIndexBase != 1 {
		t.Errorf("unexpected load info: %+v", info)
	}

	// Swapping a free slot bumps its generation.
	info, err = d.LoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageC, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if info.SlotID != 0 || info.Generation != 2 || info.CuIndexBase != 2 {
		t.Errorf("unexpected load info: %+v", info)
	}
}

func TestLoadBitstreamErrors(t *testing.T) {
	d, _ := newTestDevice(t, 1)
	clientID := d.OpenClient(false)

	tcases := []struct {
		name        string
		clientID    string
		slotID      int
		payload     []byte
		expectedErr error
	}{
		{
			name:        "Unknown client",
			clientID:    "nosuchclient",
			slotID:      0,
			payload:     testImagePayload(t, fabricA, imageA, -1),
			expectedErr: ErrNotFound,
		},
		{
			name:        "Malformed payload",
			clientID:    clientID,
			slotID:      0,
			payload:     []byte("this is not a bitstream"),
			expectedErr: ErrInvalidBitstream,
		},
		{
			name:        "Unknown slot",
			clientID:    clientID,
			slotID:      7,
			payload:     testImagePayload(t, fabricA, imageA, -1),
			expectedErr: ErrNotFound,
		},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.LoadBitstream(tt.clientID, tt.slotID, tt.payload); !errors.Is(err, tt.expectedErr) {
				t.Errorf("expected %v, got %v", tt.expectedErr, err)
			}
		})
	}
}

// The generation lifecycle: a live context pins the loaded bitstream, and a
// failed swap leaves the slot exactly as it was.
func TestSwapBlockedByLiveContext(t *testing.T) {
	d, _ := newTestDevice(t, 1)
	clientX := d.OpenClient(false)

	if _, err := d.LoadBitstream(clientX, 0, testImagePayload(t, fabricA, imageA, -1)); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	ctxID, err := d.CreateHardwareContext(clientX, 0)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	before := d.Status().Slots[0]

	if _, err := d.LoadBitstream(clientX, 0, testImagePayload(t, fabricA, imageB, -1)); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("expected ErrSlotBusy, got %v", err)
	}

	after := d.Status().Slots[0]
	if after.Generation != before.Generation || after.ImageUUID != before.ImageUUID {
		t.Errorf("failed swap mutated the slot: %+v != %+v", after, before)
	}
	if len(after.Apertures) != len(before.Apertures) || after.Apertures[0] != before.Apertures[0] {
		t.Errorf("failed swap mutated the aperture table: %+v != %+v", after, before)
	}

	if err := d.DestroyHardwareContext(clientX, ctxID); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if d.Status().Slots[0].LiveContexts != 0 {
		t.Errorf("unexpected live context count: %+v", d.Status().Slots[0])
	}

	info, err := d.LoadBitstream(clientX, 0, testImagePayload(t, fabricA, imageB, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if info.Generation != 2 || info.ImageUUID != imageB {
		t.Errorf("unexpected load info: %+v", info)
	}
}

type failingProgrammer struct {
	calls int
	fail  bool
}

func (p *failingProgrammer) Program(int, *bitstream.Image) error {
	p.calls++

	if p.fail {
		return errors.New("pr shell handshake failed")
	}

	return nil
}

func TestLoadProgrammerFailure(t *testing.T) {
	programmer := &failingProgrammer{}

	d, err := NewDevice(Config{SlotCount: 1, Scheduler: scheduler.NewFake(), Programmer: programmer})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	clientID := d.OpenClient(false)

	if _, err := d.LoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageA, -1)); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	before := d.Status().Slots[0]
	programmer.fail = true

	if _, err := d.LoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageB, -1)); err == nil {
		t.Fatal("unexpected success")
	}

	after := d.Status().Slots[0]
	if after.Generation != before.Generation || after.ImageUUID != before.ImageUUID {
		t.Errorf("failed programming mutated the slot: %+v != %+v", after, before)
	}
}

func TestResolveTargetSlot(t *testing.T) {
	d, _ := newTestDevice(t, 2)
	clientID := d.OpenClient(false)

	// The image's slot hint decides when the request names no slot.
	info, err := d.LoadBitstream(clientID, -1, testImagePayload(t, fabricA, imageA, 1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if info.SlotID != 1 {
		t.Errorf("slot hint ignored: %+v", info)
	}

	// An image of an already loaded fabric family replaces it in place.
	info, err = d.LoadBitstream(clientID, -1, testImagePayload(t, fabricA, imageB, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if info.SlotID != 1 || info.Generation != 2 {
		t.Errorf("expected in-place swap on slot 1: %+v", info)
	}

	// A new family takes the empty slot.
	info, err = d.LoadBitstream(clientID, -1, testImagePayload(t, fabricB, imageC, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if info.SlotID != 0 {
		t.Errorf("expected empty slot 0: %+v", info)
	}
}

func TestResolveTargetSlotExhausted(t *testing.T) {
	d, _ := newTestDevice(t, 1)
	clientID := d.OpenClient(false)

	if _, err := d.LoadBitstream(clientID, -1, testImagePayload(t, fabricA, imageA, -1)); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if _, err := d.LoadBitstream(clientID, -1, testImagePayload(t, fabricB, imageB, -1)); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("expected ErrSlotBusy, got %v", err)
	}
}

// blockingProgrammer parks a programming call while a test goroutine is
// waiting on entered; calls with nobody waiting pass straight through.
type blockingProgrammer struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProgrammer) Program(int, *bitstream.Image) error {
	select {
	case p.entered <- struct{}{}:
		<-p.release
	default:
	}

	return nil
}

// A load in progress holds the slot's admission lock; the non-blocking
// variant must fail with ErrSlotBusy instead of waiting for it.
func TestTryLoadWhileLoadInProgress(t *testing.T) {
	programmer := &blockingProgrammer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	d, err := NewDevice(Config{SlotCount: 1, Scheduler: scheduler.NewFake(), Programmer: programmer})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	clientID := d.OpenClient(false)
	done := make(chan error, 1)

	go func() {
		_, err := d.LoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageA, -1))
		done <- err
	}()

	select {
	case <-programmer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("load never reached the programmer")
	}

	if _, err := d.TryLoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageB, -1)); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("expected ErrSlotBusy, got %v", err)
	}

	close(programmer.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("load did not finish")
	}

	info, err := d.TryLoadBitstream(clientID, 0, testImagePayload(t, fabricA, imageB, -1))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if info.Generation != 2 {
		t.Errorf("unexpected generation: %+v", info)
	}
}

// A command of a superseded generation must keep counting against the slot
// until it drains. The load admission check refuses to run with any pending
// commands, so the stale case is driven by installing the next image
// directly.
func TestStaleCommandAccounting(t *testing.T) {
	s := newSlot(0)

	install := func(imageUUID string, cuIndexBase uint32) {
		s.mutex.Lock()
		s.install(&bitstream.Image{
			Name:       "testimage",
			FabricUUID: fabricA,
			ImageUUID:  imageUUID,
			CUs:        []bitstream.CuDesc{{Name: "vadd:vadd_1", BaseAddress: 0xA0000000, Size: 0x10000}},
		}, cuIndexBase)
		s.mutex.Unlock()
	}

	install(imageA, 0)

	generation, err := s.admitCommand(0x1)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if generation != 1 {
		t.Fatalf("unexpected generation tag: %d", generation)
	}

	install(imageB, 1)

	s.mutex.Lock()
	stale, total := s.stalePending(), s.totalPending()
	s.mutex.Unlock()

	if stale != 1 || total != 1 {
		t.Errorf("expected one stale command, got stale=%d total=%d", stale, total)
	}

	s.completeCommand(generation)

	s.mutex.Lock()
	stale, total = s.stalePending(), s.totalPending()
	s.mutex.Unlock()

	if stale != 0 || total != 0 {
		t.Errorf("expected drained slot, got stale=%d total=%d", stale, total)
	}

	// Completions for unknown generations are logged and dropped.
	s.completeCommand(42)
}
