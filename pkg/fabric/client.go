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
	"github.com/rs/xid"
	"k8s.io/klog/v2"
)

// ClientStats counts the operations performed through one client handle.
// Completions are counted when the scheduler reports them, so submitted and
// completed can differ while commands are in flight.
type ClientStats struct {
	BitstreamsLoaded  uint64 `json:"bitstreamsLoaded"`
	ContextsCreated   uint64 `json:"contextsCreated"`
	ContextsDestroyed uint64 `json:"contextsDestroyed"`
	CuContextsOpened  uint64 `json:"cuContextsOpened"`
	CuContextsClosed  uint64 `json:"cuContextsClosed"`
	CommandsSubmitted uint64 `json:"commandsSubmitted"`
	CommandsCompleted uint64 `json:"commandsCompleted"`
}

// Client is one open device handle. The ownership tables (contextIDs,
// aieHandles) are guarded by the device mutex; the stats have their own
// lock because command completions update them from the scheduler's
// completion path.
type Client struct {
	id         string
	privileged bool

	contextIDs map[uint32]struct{}
	aieHandles map[uint32]struct{}

	statsMutex sync.Mutex
	stats      ClientStats
}

func (c *Client) noteBitstreamLoaded() {
	c.statsMutex.Lock()
	c.stats.BitstreamsLoaded++
	c.statsMutex.Unlock()
}

func (c *Client) noteContextCreated() {
	c.statsMutex.Lock()
	c.stats.ContextsCreated++
	c.statsMutex.Unlock()
}

func (c *Client) noteContextDestroyed() {
	c.statsMutex.Lock()
	c.stats.ContextsDestroyed++
	c.statsMutex.Unlock()
}

func (c *Client) noteCuContextOpened() {
	c.statsMutex.Lock()
	c.stats.CuContextsOpened++
	c.statsMutex.Unlock()
}

func (c *Client) noteCuContextsClosed(n int) {
	c.statsMutex.Lock()
	c.stats.CuContextsClosed += uint64(n)
	c.statsMutex.Unlock()
}

func (c *Client) noteCommandSubmitted() {
	c.statsMutex.Lock()
	c.stats.CommandsSubmitted++
	c.statsMutex.Unlock()
}

func (c *Client) noteCommandCompleted() {
	c.statsMutex.Lock()
	c.stats.CommandsCompleted++
	c.statsMutex.Unlock()
}

func (c *Client) statsSnapshot() ClientStats {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()

	return c.stats
}

// ClientInfo is a point-in-time view of one client handle.
type ClientInfo struct {
	ID         string      `json:"id"`
	Privileged bool        `json:"privileged"`
	Contexts   []uint32    `json:"contexts,omitempty"`
	AieHandles []uint32    `json:"aieHandles,omitempty"`
	Stats      ClientStats `json:"stats"`
}

// OpenClient opens a device handle and returns its id. The privileged flag
// is fixed for the handle's lifetime and gates error injection.
func (d *Device) OpenClient(privileged bool) string {
	client := &Client{
		id:         xid.New().String(),
		privileged: privileged,
		contextIDs: make(map[uint32]struct{}),
		aieHandles: make(map[uint32]struct{}),
	}

	d.mutex.Lock()
	d.clients[client.id] = client
	d.mutex.Unlock()

	klog.V(1).Infof("client %s opened, privileged=%t", client.id, privileged)

	return client.id
}

// CloseClient releases a device handle. Every hardware context owned by the
// client is destroyed through the normal destroy path and every AI engine
// partition handle it held is released before the handle id dies.
func (d *Device) CloseClient(clientID string) error {
	d.mutex.Lock()
	client, ok := d.clients[clientID]

	if !ok {
		d.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "unknown client %q", clientID)
	}

	// Remove the handle from the table first so no new contexts or
	// handles can attach to it while we tear down.
	delete(d.clients, clientID)

	ctxIDs := make([]uint32, 0, len(client.contextIDs))
	for ctxID := range client.contextIDs {
		ctxIDs = append(ctxIDs, ctxID)
	}

	handles := make([]uint32, 0, len(client.aieHandles))
	for handleID := range client.aieHandles {
		handles = append(handles, handleID)
	}
	d.mutex.Unlock()

	sort.Slice(ctxIDs, func(i, j int) bool { return ctxIDs[i] < ctxIDs[j] })

	for _, ctxID := range ctxIDs {
		if err := d.destroyContext(client, ctxID); err != nil {
			// A concurrent explicit destroy may have won the race.
			klog.V(4).Infof("client %s teardown: context %d: %v", clientID, ctxID, err)
		}
	}

	for _, handleID := range handles {
		if err := d.aie.ReleaseHandle(handleID); err != nil {
			klog.Errorf("client %s teardown: aie handle %d: %v", clientID, handleID, err)
		}
	}

	klog.V(1).Infof("client %s closed: %d contexts destroyed, %d aie handles released",
		clientID, len(ctxIDs), len(handles))

	return nil
}

// ClientInfo reports the state and stats of one client handle.
func (d *Device) ClientInfo(clientID string) (ClientInfo, error) {
	d.mutex.Lock()
	client, ok := d.clients[clientID]

	if !ok {
		d.mutex.Unlock()
		return ClientInfo{}, errors.Wrapf(ErrNotFound, "unknown client %q", clientID)
	}

	info := ClientInfo{
		ID:         client.id,
		Privileged: client.privileged,
	}

	for ctxID := range client.contextIDs {
		info.Contexts = append(info.Contexts, ctxID)
	}

	for handleID := range client.aieHandles {
		info.AieHandles = append(info.AieHandles, handleID)
	}
	d.mutex.Unlock()

	sort.Slice(info.Contexts, func(i, j int) bool { return info.Contexts[i] < info.Contexts[j] })
	sort.Slice(info.AieHandles, func(i, j int) bool { return info.AieHandles[i] < info.AieHandles[j] })

	info.Stats = client.statsSnapshot()

	return info, nil
}

func (d *Device) lookupClient(clientID string) (*Client, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	client, ok := d.clients[clientID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "unknown client %q", clientID)
	}

	return client, nil
}
