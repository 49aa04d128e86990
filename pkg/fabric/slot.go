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

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
)

// slot is one bitstream-loading unit. Its mutex is the swap admission lock:
// a load holds it for the whole critical section, while context and command
// bookkeeping only takes it for short counter adjustments. Everything below
// the mutex is guarded by it.
type slot struct {
	id int

	mutex sync.Mutex

	// generation counts successful loads; 0 means the slot is empty.
	generation uint64
	name       string
	fabricUUID string
	imageUUID  string
	apertures  []ApertureEntry

	liveContexts int
	// pending counts commands in flight per bitstream generation. The
	// entry for a generation disappears when its last command drains.
	pending map[uint64]int
}

func newSlot(id int) *slot {
	return &slot{
		id:      id,
		pending: make(map[uint64]int),
	}
}

// admitLoad decides whether a swap may proceed. Called with the slot mutex
// held.
func (s *slot) admitLoad() error {
	if s.liveContexts > 0 {
		return errors.Wrapf(ErrSlotBusy, "slot %d: %d live hardware contexts", s.id, s.liveContexts)
	}

	if pending := s.totalPending(); pending > 0 {
		return errors.Wrapf(ErrSlotBusy, "slot %d: %d undrained commands", s.id, pending)
	}

	return nil
}

// install replaces the slot's bitstream identity and aperture table and bumps
// the generation. Called with the slot mutex held, after admitLoad and the
// physical programming step both succeeded.
func (s *slot) install(image *bitstream.Image, cuIndexBase uint32) {
	apertures := make([]ApertureEntry, len(image.CUs))
	for i, cu := range image.CUs {
		apertures[i] = ApertureEntry{
			CuIndex: cuIndexBase + uint32(i),
			Name:    cu.Name,
			Address: cu.BaseAddress,
			Size:    cu.Size,
		}
	}

	s.generation++
	s.name = image.Name
	s.fabricUUID = image.FabricUUID
	s.imageUUID = image.ImageUUID
	s.apertures = apertures
}

// bindContext admits a new hardware context and returns the generation it is
// bound to. Takes the slot mutex itself.
func (s *slot) bindContext() (uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.generation == 0 {
		return 0, errors.Wrapf(ErrNotFound, "slot %d holds no bitstream", s.id)
	}

	s.liveContexts++

	return s.generation, nil
}

// releaseContext drops one live context.
func (s *slot) releaseContext() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.liveContexts--
	if s.liveContexts < 0 {
		klog.Errorf("slot %d: live context count went negative", s.id)
		s.liveContexts = 0
	}
}

// admitCommand validates the CU mask against the current aperture table and
// counts the command against the current generation.
func (s *slot) admitCommand(cuMask uint64) (uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.admitCommandLocked(cuMask)
}

// admitBoundCommand is the context-scoped admission: the submitting context's
// bound generation must still be the slot's current one. The swap protocol
// keeps the generations equal for as long as the context lives.
func (s *slot) admitBoundCommand(bound uint64, cuMask uint64) (uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.generation != bound {
		return 0, errors.Wrapf(ErrStaleContext, "slot %d: context bound to generation %d, slot at %d", s.id, bound, s.generation)
	}

	return s.admitCommandLocked(cuMask)
}

func (s *slot) admitCommandLocked(cuMask uint64) (uint64, error) {
	if s.generation == 0 {
		return 0, errors.Wrapf(ErrNotFound, "slot %d holds no bitstream", s.id)
	}

	if cuMask == 0 {
		return 0, errors.Wrapf(ErrNotFound, "slot %d: empty cu mask", s.id)
	}

	if cuMask>>uint(len(s.apertures)) != 0 {
		return 0, errors.Wrapf(ErrNotFound, "slot %d: cu mask %#x addresses unknown compute units", s.id, cuMask)
	}

	s.pending[s.generation]++

	return s.generation, nil
}

// completeCommand drains one command of the given generation.
func (s *slot) completeCommand(generation uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	count, ok := s.pending[generation]
	if !ok {
		klog.Errorf("slot %d: completion for unknown generation %d", s.id, generation)
		return
	}

	if count <= 1 {
		delete(s.pending, generation)
	} else {
		s.pending[generation] = count - 1
	}
}

// totalPending sums in-flight commands over all generations. Called with the
// slot mutex held.
func (s *slot) totalPending() int {
	total := 0
	for _, count := range s.pending {
		total += count
	}

	return total
}

// stalePending counts in-flight commands tagged with a superseded
// generation. Called with the slot mutex held.
func (s *slot) stalePending() int {
	stale := 0

	for generation, count := range s.pending {
		if generation != s.generation {
			stale += count
		}
	}

	return stale
}

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	ID              int            `json:"id"`
	Generation      uint64         `json:"generation"`
	Name            string         `json:"name,omitempty"`
	FabricUUID      string         `json:"fabricUUID,omitempty"`
	ImageUUID       string         `json:"imageUUID,omitempty"`
	LiveContexts    int            `json:"liveContexts"`
	PendingCommands int            `json:"pendingCommands"`
	StaleCommands   int            `json:"staleCommands"`
	Apertures       []ApertureInfo `json:"apertures,omitempty"`
}

func (s *slot) status() SlotStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := SlotStatus{
		ID:              s.id,
		Generation:      s.generation,
		Name:            s.name,
		FabricUUID:      s.fabricUUID,
		ImageUUID:       s.imageUUID,
		LiveContexts:    s.liveContexts,
		PendingCommands: s.totalPending(),
		StaleCommands:   s.stalePending(),
	}

	for i, entry := range s.apertures {
		status.Apertures = append(status.Apertures, entry.info(i))
	}

	return status
}

// LoadInfo describes the outcome of a successful bitstream load.
type LoadInfo struct {
	SlotID      int    `json:"slotID"`
	Generation  uint64 `json:"generation"`
	Name        string `json:"name,omitempty"`
	FabricUUID  string `json:"fabricUUID"`
	ImageUUID   string `json:"imageUUID"`
	CuCount     int    `json:"cuCount"`
	CuIndexBase uint32 `json:"cuIndexBase"`
}

// LoadBitstream validates the payload and swaps it into a slot, blocking
// until the slot's admission lock is free. Pass a negative slotID to let the
// image metadata and slot occupancy choose the slot.
func (d *Device) LoadBitstream(clientID string, slotID int, payload []byte) (*LoadInfo, error) {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return nil, err
	}

	image, err := d.loader.Parse(payload)
	if err != nil {
		return nil, err
	}

	s, err := d.resolveTargetSlot(slotID, image)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	info, err := d.loadLocked(s, image)
	if err != nil {
		return nil, err
	}

	client.noteBitstreamLoaded()

	return info, nil
}

// TryLoadBitstream is the non-blocking variant of LoadBitstream: when the
// slot's admission lock is already held it fails with ErrSlotBusy instead of
// waiting.
func (d *Device) TryLoadBitstream(clientID string, slotID int, payload []byte) (*LoadInfo, error) {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return nil, err
	}

	image, err := d.loader.Parse(payload)
	if err != nil {
		return nil, err
	}

	s, err := d.resolveTargetSlot(slotID, image)
	if err != nil {
		return nil, err
	}

	if !s.mutex.TryLock() {
		return nil, errors.Wrapf(ErrSlotBusy, "slot %d: admission lock held", s.id)
	}
	defer s.mutex.Unlock()

	info, err := d.loadLocked(s, image)
	if err != nil {
		return nil, err
	}

	client.noteBitstreamLoaded()

	return info, nil
}

// loadLocked performs the admission check, the physical programming step and
// the slot state swap. Called with the slot mutex held. A failure at any
// step leaves the slot exactly as it was.
func (d *Device) loadLocked(s *slot, image *bitstream.Image) (*LoadInfo, error) {
	if err := s.admitLoad(); err != nil {
		return nil, err
	}

	if err := d.programmer.Program(s.id, image); err != nil {
		return nil, errors.Wrapf(err, "slot %d: programming failed", s.id)
	}

	cuCount := uint32(len(image.CUs))
	cuIndexBase := d.nextCuIndex.Add(cuCount) - cuCount

	s.install(image, cuIndexBase)

	klog.V(1).Infof("slot %d: loaded %q (%s/%s), generation %d, %d CUs",
		s.id, s.name, s.fabricUUID, s.imageUUID, s.generation, cuCount)

	return &LoadInfo{
		SlotID:      s.id,
		Generation:  s.generation,
		Name:        s.name,
		FabricUUID:  s.fabricUUID,
		ImageUUID:   s.imageUUID,
		CuCount:     int(cuCount),
		CuIndexBase: cuIndexBase,
	}, nil
}

// resolveTargetSlot picks the slot for a load: an explicit request wins,
// then the image's own slot hint, then a slot already carrying the same
// fabric family, then any empty slot.
func (d *Device) resolveTargetSlot(requested int, image *bitstream.Image) (*slot, error) {
	if requested >= 0 {
		return d.slotByID(requested)
	}

	if image.TargetSlot >= 0 {
		return d.slotByID(image.TargetSlot)
	}

	for _, s := range d.slots {
		s.mutex.Lock()
		match := s.generation > 0 && s.fabricUUID == image.FabricUUID
		s.mutex.Unlock()

		if match {
			return s, nil
		}
	}

	for _, s := range d.slots {
		s.mutex.Lock()
		empty := s.generation == 0
		s.mutex.Unlock()

		if empty {
			return s, nil
		}
	}

	return nil, errors.Wrapf(ErrSlotBusy, "no slot available for image %s", image.ImageUUID)
}
