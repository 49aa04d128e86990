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

package bitstream

import "io"

// File defines interfaces that are common for all supported bitstream file formats.
// It should provide mechanisms to get raw bitstream data as a reader or as a byte array
// as well as mechanisms to identify bitstreams and their compute unit layout.
type File interface {
	io.Closer
	// RawBitstreamReader returns Reader for raw bitstream data
	RawBitstreamReader() io.ReadSeeker
	// RawBitstreamData returns raw bitstream byte array
	RawBitstreamData() ([]byte, error)
	// FabricUUID returns the UUID of the fabric interface the bitstream was built for
	FabricUUID() string
	// ImageUUID returns UUID that uniquely identifies the bitstream image
	ImageUUID() string
	// InstallPath returns unique filename for bitstream relative to given directory
	InstallPath(string) string
	// ExtraMetadata returns map of key/value with additional metadata that can be detected from bitstream
	ExtraMetadata() map[string]string
	// Layout returns the compute unit layout declared by the bitstream metadata
	Layout() []CuDesc
	// TargetSlot returns the slot the image asks to be loaded into, or -1 for any
	TargetSlot() int
}

// CuDesc describes one compute unit declared in bitstream metadata.
type CuDesc struct {
	Name        string
	BaseAddress uint64
	Size        uint64
}
