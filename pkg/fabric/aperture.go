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
)

// ApertureEntry is one row of a slot's aperture table: the address window of
// one CU. The address mapping is installed by a load and read-only until the
// next one; the read-only range is a later annotation recorded by
// SetCuReadOnlyRange.
type ApertureEntry struct {
	CuIndex uint32
	Name    string
	Address uint64
	Size    uint64

	ReadOnlyStart uint64
	ReadOnlySize  uint64
}

func (e ApertureEntry) info(apertureIndex int) ApertureInfo {
	return ApertureInfo{
		CuIndex:       e.CuIndex,
		ApertureIndex: apertureIndex,
		Name:          e.Name,
		Address:       e.Address,
		Size:          e.Size,
		ReadOnlyStart: e.ReadOnlyStart,
		ReadOnlySize:  e.ReadOnlySize,
	}
}

// ApertureInfo is the externally visible form of an aperture row.
type ApertureInfo struct {
	CuIndex       uint32 `json:"cuIndex"`
	ApertureIndex int    `json:"apertureIndex"`
	Name          string `json:"name,omitempty"`
	Address       uint64 `json:"address"`
	Size          uint64 `json:"size"`
	ReadOnlyStart uint64 `json:"readOnlyStart,omitempty"`
	ReadOnlySize  uint64 `json:"readOnlySize,omitempty"`
}

// hasCu reports whether the CU index is present in the slot's current
// aperture table.
func (s *slot) hasCu(cuIndex uint32) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, entry := range s.apertures {
		if entry.CuIndex == cuIndex {
			return true
		}
	}

	return false
}

// ResolveCuByIndex maps a CU index to its address window within the slot.
func (d *Device) ResolveCuByIndex(slotID int, cuIndex uint32) (ApertureInfo, error) {
	s, err := d.slotByID(slotID)
	if err != nil {
		return ApertureInfo{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, entry := range s.apertures {
		if entry.CuIndex == cuIndex {
			return entry.info(i), nil
		}
	}

	return ApertureInfo{}, errors.Wrapf(ErrNotFound, "slot %d: no aperture for cu %d", slotID, cuIndex)
}

// ResolveCuByAddress maps a physical address to the CU aperture containing
// it.
func (d *Device) ResolveCuByAddress(slotID int, address uint64) (ApertureInfo, error) {
	s, err := d.slotByID(slotID)
	if err != nil {
		return ApertureInfo{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, entry := range s.apertures {
		if address >= entry.Address && address < entry.Address+entry.Size {
			return entry.info(i), nil
		}
	}

	return ApertureInfo{}, errors.Wrapf(ErrNotFound, "slot %d: no aperture at address %#x", slotID, address)
}

// SetCuReadOnlyRange records the read-only window of a CU's aperture, given
// as an offset and size within it. CU indices are device-wide, so no slot
// needs to be named.
func (d *Device) SetCuReadOnlyRange(clientID string, cuIndex uint32, start, size uint64) error {
	if _, err := d.lookupClient(clientID); err != nil {
		return err
	}

	if size == 0 {
		return errors.Errorf("cu %d: empty read-only range", cuIndex)
	}

	for _, s := range d.slots {
		s.mutex.Lock()

		for i := range s.apertures {
			entry := &s.apertures[i]
			if entry.CuIndex != cuIndex {
				continue
			}

			if start+size > entry.Size {
				s.mutex.Unlock()
				return errors.Errorf("cu %d: read-only range [%#x, %#x) exceeds aperture size %#x",
					cuIndex, start, start+size, entry.Size)
			}

			entry.ReadOnlyStart = start
			entry.ReadOnlySize = size
			s.mutex.Unlock()

			return nil
		}

		s.mutex.Unlock()
	}

	return errors.Wrapf(ErrNotFound, "no aperture for cu %d", cuIndex)
}
