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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
)

// AieRequestPartitionHandle grants the client a handle on an AI engine
// partition. The handle is registered to the client and released with the
// handle id or implicitly when the client closes.
func (d *Device) AieRequestPartitionHandle(clientID string, partitionID int, flags uint32) (*aie.Handle, error) {
	if _, err := d.lookupClient(clientID); err != nil {
		return nil, err
	}

	handle, err := d.aie.RequestPartitionHandle(partitionID, flags)
	if err != nil {
		return nil, err
	}

	d.mutex.Lock()
	client, ok := d.clients[clientID]
	if ok {
		client.aieHandles[handle.ID] = struct{}{}
	}
	d.mutex.Unlock()

	if !ok {
		// The client closed while the handle was being granted.
		if err := d.aie.ReleaseHandle(handle.ID); err != nil {
			klog.Errorf("orphaned aie handle %d: %v", handle.ID, err)
		}

		return nil, errors.Wrapf(ErrNotFound, "unknown client %q", clientID)
	}

	return handle, nil
}

// AieReleasePartitionHandle releases a partition handle held by the client.
func (d *Device) AieReleasePartitionHandle(clientID string, handleID uint32) error {
	d.mutex.Lock()
	client, ok := d.clients[clientID]

	if !ok {
		d.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "unknown client %q", clientID)
	}

	if _, held := client.aieHandles[handleID]; !held {
		d.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "client %q holds no aie handle %d", clientID, handleID)
	}

	delete(client.aieHandles, handleID)
	d.mutex.Unlock()

	return d.aie.ReleaseHandle(handleID)
}

// AieReset resets the AI engine array. The partition manager refuses the
// reset while any handles are outstanding.
func (d *Device) AieReset(clientID string) error {
	if _, err := d.lookupClient(clientID); err != nil {
		return err
	}

	return d.aie.Reset()
}

// AieSetFrequency adjusts one partition's clock.
func (d *Device) AieSetFrequency(clientID string, partitionID int, freqMHz uint64) error {
	if _, err := d.lookupClient(clientID); err != nil {
		return err
	}

	return d.aie.SetFrequency(partitionID, freqMHz)
}
