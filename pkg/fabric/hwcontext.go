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
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CuContext records one open CU sub-context of a hardware context.
type CuContext struct {
	ContextID uint32 `json:"contextID"`
	CuIndex   uint32 `json:"cuIndex"`
}

// HardwareContext is one client's execution context, bound to a slot and the
// bitstream generation that was current at creation. CU open/close and the
// force-close on destroy all run under the context's own mutex, so a destroy
// is atomic with respect to concurrent CU operations on the same id.
type HardwareContext struct {
	id         uint32
	owner      string
	slot       *slot
	generation uint64

	mutex   sync.Mutex
	closed  bool
	openCUs map[uint32]CuContext
}

// openCu records a CU sub-context as open. Duplicate opens are a caller bug
// and are rejected rather than absorbed.
func (c *HardwareContext) openCu(cuIndex uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return errors.Wrapf(ErrNotFound, "unknown hardware context %d", c.id)
	}

	if _, open := c.openCUs[cuIndex]; open {
		return errors.Wrapf(ErrAlreadyOpen, "hardware context %d: cu %d", c.id, cuIndex)
	}

	c.openCUs[cuIndex] = CuContext{ContextID: c.id, CuIndex: cuIndex}

	return nil
}

// closeCu removes an open CU sub-context.
func (c *HardwareContext) closeCu(cuIndex uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return errors.Wrapf(ErrNotFound, "unknown hardware context %d", c.id)
	}

	if _, open := c.openCUs[cuIndex]; !open {
		return errors.Wrapf(ErrNotOpen, "hardware context %d: cu %d", c.id, cuIndex)
	}

	delete(c.openCUs, cuIndex)

	return nil
}

// forceClose marks the context destroyed and closes every open CU
// sub-context, returning their indices. A second forceClose reports the id
// as unknown, which also resolves races between an explicit destroy and the
// owner's handle teardown.
func (c *HardwareContext) forceClose() ([]uint32, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, errors.Wrapf(ErrNotFound, "unknown hardware context %d", c.id)
	}

	c.closed = true

	closed := make([]uint32, 0, len(c.openCUs))

	for cuIndex := range c.openCUs {
		delete(c.openCUs, cuIndex)
		closed = append(closed, cuIndex)

		klog.V(4).Infof("hardware context %d: cu context %d force-closed", c.id, cuIndex)
	}

	sort.Slice(closed, func(i, j int) bool { return closed[i] < closed[j] })

	return closed, nil
}

// openCuIndices returns the currently open CU indices in ascending order.
func (c *HardwareContext) openCuIndices() []uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	indices := make([]uint32, 0, len(c.openCUs))
	for cuIndex := range c.openCUs {
		indices = append(indices, cuIndex)
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	return indices
}

// HardwareContextInfo is a point-in-time view of one hardware context.
type HardwareContextInfo struct {
	ID         uint32   `json:"id"`
	Owner      string   `json:"owner"`
	SlotID     int      `json:"slotID"`
	Generation uint64   `json:"generation"`
	OpenCUs    []uint32 `json:"openCUs,omitempty"`
}

// CreateHardwareContext creates a context bound to the slot's current
// bitstream generation. The slot must hold a loaded bitstream.
func (d *Device) CreateHardwareContext(clientID string, slotID int) (uint32, error) {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return 0, err
	}

	s, err := d.slotByID(slotID)
	if err != nil {
		return 0, err
	}

	generation, err := s.bindContext()
	if err != nil {
		return 0, err
	}

	d.mutex.Lock()

	// The owner may have closed its handle while we were admitting the
	// context; do not record state for a dead client.
	if _, ok := d.clients[clientID]; !ok {
		d.mutex.Unlock()
		s.releaseContext()

		return 0, errors.Wrapf(ErrNotFound, "unknown client %q", clientID)
	}

	d.nextCtxID++
	ctx := &HardwareContext{
		id:         d.nextCtxID,
		owner:      clientID,
		slot:       s,
		generation: generation,
		openCUs:    make(map[uint32]CuContext),
	}

	d.contexts[ctx.id] = ctx
	client.contextIDs[ctx.id] = struct{}{}
	d.mutex.Unlock()

	client.noteContextCreated()

	klog.V(1).Infof("hardware context %d created on slot %d, generation %d, owner %s",
		ctx.id, slotID, generation, clientID)

	return ctx.id, nil
}

// CreateHardwareContextWithImage loads the inline image and then creates a
// context on the slot that received it. The two steps stay separate: a load
// failure creates nothing, while a context admission failure does not unload
// the already swapped bitstream.
func (d *Device) CreateHardwareContextWithImage(clientID string, payload []byte) (uint32, *LoadInfo, error) {
	info, err := d.LoadBitstream(clientID, -1, payload)
	if err != nil {
		return 0, nil, err
	}

	ctxID, err := d.CreateHardwareContext(clientID, info.SlotID)
	if err != nil {
		return 0, info, err
	}

	return ctxID, info, nil
}

// DestroyHardwareContext destroys a context owned by the requesting client,
// force-closing its open CU contexts first.
func (d *Device) DestroyHardwareContext(clientID string, ctxID uint32) error {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return err
	}

	return d.destroyContext(client, ctxID)
}

// destroyContext is shared by the explicit destroy operation and client
// handle teardown. The CU contexts are closed and counted before the id
// disappears from the table.
func (d *Device) destroyContext(client *Client, ctxID uint32) error {
	d.mutex.Lock()
	ctx, ok := d.contexts[ctxID]
	d.mutex.Unlock()

	if !ok || ctx.owner != client.id {
		return errors.Wrapf(ErrNotFound, "unknown hardware context %d", ctxID)
	}

	closed, err := ctx.forceClose()
	if err != nil {
		return err
	}

	client.noteCuContextsClosed(len(closed))

	d.mutex.Lock()
	delete(d.contexts, ctxID)
	delete(client.contextIDs, ctxID)
	d.mutex.Unlock()

	ctx.slot.releaseContext()
	client.noteContextDestroyed()

	klog.V(1).Infof("hardware context %d destroyed, %d cu contexts force-closed", ctxID, len(closed))

	return nil
}

// OpenCuContext opens a CU sub-context under a hardware context owned by the
// requesting client. The CU index must belong to the context's slot.
func (d *Device) OpenCuContext(clientID string, ctxID uint32, cuIndex uint32) error {
	client, ctx, err := d.lookupOwnedContext(clientID, ctxID)
	if err != nil {
		return err
	}

	if !ctx.slot.hasCu(cuIndex) {
		return errors.Wrapf(ErrNotFound, "cu %d is not loaded in slot %d", cuIndex, ctx.slot.id)
	}

	if err := ctx.openCu(cuIndex); err != nil {
		return err
	}

	client.noteCuContextOpened()

	klog.V(4).Infof("hardware context %d: cu context %d opened", ctxID, cuIndex)

	return nil
}

// CloseCuContext closes a previously opened CU sub-context.
func (d *Device) CloseCuContext(clientID string, ctxID uint32, cuIndex uint32) error {
	client, ctx, err := d.lookupOwnedContext(clientID, ctxID)
	if err != nil {
		return err
	}

	if err := ctx.closeCu(cuIndex); err != nil {
		return err
	}

	client.noteCuContextsClosed(1)

	klog.V(4).Infof("hardware context %d: cu context %d closed", ctxID, cuIndex)

	return nil
}

// HardwareContexts lists the live contexts of the device, ordered by id.
func (d *Device) HardwareContexts() []HardwareContextInfo {
	d.mutex.Lock()
	contexts := make([]*HardwareContext, 0, len(d.contexts))

	for _, ctx := range d.contexts {
		contexts = append(contexts, ctx)
	}
	d.mutex.Unlock()

	infos := make([]HardwareContextInfo, 0, len(contexts))

	for _, ctx := range contexts {
		infos = append(infos, HardwareContextInfo{
			ID:         ctx.id,
			Owner:      ctx.owner,
			SlotID:     ctx.slot.id,
			Generation: ctx.generation,
			OpenCUs:    ctx.openCuIndices(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

func (d *Device) lookupOwnedContext(clientID string, ctxID uint32) (*Client, *HardwareContext, error) {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return nil, nil, err
	}

	d.mutex.Lock()
	ctx, ok := d.contexts[ctxID]
	d.mutex.Unlock()

	if !ok || ctx.owner != clientID {
		return nil, nil, errors.Wrapf(ErrNotFound, "unknown hardware context %d", ctxID)
	}

	return client, ctx, nil
}
