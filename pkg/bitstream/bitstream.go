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

// Package bitstream handles parsing, identification and storage of
// reconfiguration images for the fabric device. Two container formats are
// supported: FAB, a binary container with embedded JSON metadata, and RBF,
// a raw bitstream accompanied by an INI metadata sidecar.
package bitstream

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// GetBitstream scans bitstream storage and returns first found bitstream by fabric and image id.
func GetBitstream(bitstreamDir, fabricUUID, imageUUID string) (File, error) {
	for _, ext := range []string{fileExtensionFAB, fileExtensionRBF} {
		bitstreamPath := filepath.Join(bitstreamDir, CanonizeUUID(fabricUUID), CanonizeUUID(imageUUID)+ext)

		_, err := os.Stat(bitstreamPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Errorf("%s: stat error: %v", bitstreamPath, err)
		}

		return Open(bitstreamPath)
	}
	return nil, errors.Errorf("%s/%s: bitstream not found", fabricUUID, imageUUID)
}

// Open bitstream file, detecting type based on the filename extension.
func Open(fname string) (File, error) {
	switch filepath.Ext(fname) {
	case fileExtensionFAB:
		return OpenFAB(fname)
	case fileExtensionRBF:
		return OpenRBF(fname)
	}
	return nil, errors.Errorf("unsupported file format %s", fname)
}

// Image is a parsed and validated bitstream image ready for loading into a slot.
type Image struct {
	Name       string
	FabricUUID string
	ImageUUID  string
	TargetSlot int
	ClockMHz   int
	CUs        []CuDesc
	Raw        []byte
}

// ImageFromFile reads a bitstream container into an in-memory Image.
func ImageFromFile(f File) (*Image, error) {
	raw, err := f.RawBitstreamData()
	if err != nil {
		return nil, errors.Wrap(err, "unable to read raw bitstream data")
	}
	img := &Image{
		Name:       f.ExtraMetadata()["Name"],
		FabricUUID: f.FabricUUID(),
		ImageUUID:  f.ImageUUID(),
		TargetSlot: f.TargetSlot(),
		CUs:        f.Layout(),
		Raw:        raw,
	}
	return img, nil
}

// ParseImage parses an inline image payload. Only the FAB container is
// self-describing enough to arrive as a plain byte buffer; RBF images
// must come through storage where the sidecar lives next to them.
func ParseImage(payload []byte) (*Image, error) {
	if len(payload) < fabHeaderLength {
		return nil, errors.Errorf("image payload too short: %d bytes", len(payload))
	}
	if binary.LittleEndian.Uint64(payload) != fabGUID1 {
		return nil, errors.Errorf("image payload is not a FAB container")
	}
	f, err := NewFileFAB(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	img, err := ImageFromFile(f)
	if err != nil {
		return nil, err
	}
	if f.Metadata.ClockMHz > 0 {
		img.ClockMHz = f.Metadata.ClockMHz
	}
	if f.Metadata.ImageName != "" {
		img.Name = f.Metadata.ImageName
	}
	return img, nil
}
