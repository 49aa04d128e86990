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

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	fabGUID1          uint64 = 0x316e694262614658 // "XFabBin1"
	fabGUID2          uint64 = 0x32303072674d4446 // "FDMgr002"
	fabHeaderLength          = 20
	fabMetadataLimit         = 65536
	fileExtensionFAB         = ".fab"
)

// FabHeader represents the fixed-size header of a FAB file.
type FabHeader struct {
	GUID1          uint64
	GUID2          uint64
	MetadataLength uint32
}

// FileFAB represents an open FAB file.
type FileFAB struct {
	FabHeader
	Metadata  FabMetadata
	Bitstream *Bitstream
	closer    io.Closer
}

// FabMetadata represents parsed JSON metadata of a FAB file.
type FabMetadata struct {
	Version      int     `json:"version"`
	ImageName    string  `json:"image-name,omitempty"`
	FabricUUID   string  `json:"fabric-uuid"`
	ImageUUID    string  `json:"image-uuid"`
	Slot         *int    `json:"target-slot,omitempty"`
	ClockMHz     int     `json:"clock-frequency-mhz,omitempty"`
	ComputeUnits []FabCu `json:"compute-units"`
}

// FabCu is one compute unit declaration in FAB metadata.
type FabCu struct {
	Name        string `json:"name"`
	BaseAddress uint64 `json:"base-address"`
	Size        uint64 `json:"size"`
}

// A Bitstream represents the raw bitstream data carried in a container file.
type Bitstream struct {
	Size uint64
	// Embed ReaderAt for ReadAt method.
	// Do not embed SectionReader directly
	// to avoid having Read and Seek.
	// If a client wants Read and Seek it must use
	// Open() to avoid fighting over the seek offset
	// with other clients.
	io.ReaderAt
	sr *io.SectionReader
}

// Open returns a new ReadSeeker reading the bitstream body.
func (b *Bitstream) Open() io.ReadSeeker { return io.NewSectionReader(b.sr, 0, 1<<63-1) }

// Data reads and returns the contents of the bitstream.
func (b *Bitstream) Data() ([]byte, error) {
	dat := make([]byte, b.Size)
	n, err := io.ReadFull(b.Open(), dat)
	return dat[0:n], err
}

// OpenFAB opens the named file using os.Open and prepares it for use as FAB.
func OpenFAB(name string) (*FileFAB, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ff, err := NewFileFAB(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the FileFAB.
// If the FileFAB was created using NewFileFAB directly instead of OpenFAB,
// Close has no effect.
func (f *FileFAB) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return
}

// We need both Seek and ReadAt
type bitstreamReader interface {
	io.ReadSeeker
	io.ReaderAt
}

// NewFileFAB creates a new FileFAB for accessing a FAB container in an underlying reader.
// The container is expected to start at position 0 in the ReaderAt.
func NewFileFAB(r bitstreamReader) (*FileFAB, error) {
	sr := io.NewSectionReader(r, 0, 1<<63-1)

	f := new(FileFAB)
	// 1. Read file header
	if _, err := sr.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := binary.Read(sr, binary.LittleEndian, &f.FabHeader); err != nil {
		return nil, errors.Wrap(err, "unable to read header")
	}
	// 2. Validate magic
	if f.GUID1 != fabGUID1 || f.GUID2 != fabGUID2 {
		return nil, errors.Errorf("wrong magic in FAB file: %#x %#x Expected %#x %#x", f.GUID1, f.GUID2, fabGUID1, fabGUID2)
	}
	// 3. Read/unmarshal metadata JSON
	if f.MetadataLength == 0 || f.MetadataLength >= fabMetadataLimit {
		return nil, errors.Errorf("incorrect length of FAB metadata %d", f.MetadataLength)
	}
	dec := json.NewDecoder(io.NewSectionReader(r, fabHeaderLength, int64(f.MetadataLength)))
	if err := dec.Decode(&f.Metadata); err != nil {
		return nil, errors.Wrap(err, "unable to parse FAB metadata")
	}
	if err := validateMetadata(f.Metadata.FabricUUID, f.Metadata.ImageUUID, len(f.Metadata.ComputeUnits)); err != nil {
		return nil, err
	}
	// 4. Create bitstream struct
	b := new(Bitstream)
	last, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine file size")
	}
	b.Size = uint64(last - fabHeaderLength - int64(f.MetadataLength))
	b.sr = io.NewSectionReader(r, int64(fabHeaderLength+f.MetadataLength), int64(b.Size))
	b.ReaderAt = b.sr
	f.Bitstream = b
	return f, nil
}

func validateMetadata(fabricUUID, imageUUID string, cus int) error {
	if CanonizeUUID(fabricUUID) == "" {
		return errors.Errorf("missing fabric-uuid in bitstream metadata")
	}
	if CanonizeUUID(imageUUID) == "" {
		return errors.Errorf("missing image-uuid in bitstream metadata")
	}
	if cus == 0 {
		return errors.Errorf("bitstream metadata declares no compute units")
	}
	return nil
}

// File interfaces implementations

// RawBitstreamReader returns Reader for raw bitstream data
func (f *FileFAB) RawBitstreamReader() io.ReadSeeker {
	return f.Bitstream.Open()
}

// RawBitstreamData returns raw bitstream data
func (f *FileFAB) RawBitstreamData() ([]byte, error) {
	return f.Bitstream.Data()
}

// FabricUUID returns normalized Metadata.FabricUUID
func (f *FileFAB) FabricUUID() string {
	return CanonizeUUID(f.Metadata.FabricUUID)
}

// ImageUUID returns normalized Metadata.ImageUUID
func (f *FileFAB) ImageUUID() string {
	return CanonizeUUID(f.Metadata.ImageUUID)
}

// InstallPath returns unique filename for bitstream relative to given directory
func (f *FileFAB) InstallPath(root string) (ret string) {
	fabricID := f.FabricUUID()
	imageID := f.ImageUUID()
	if fabricID != "" && imageID != "" {
		ret = filepath.Join(root, fabricID, imageID+fileExtensionFAB)
	}
	return
}

// ExtraMetadata returns map of key/value with additional metadata that can be detected from bitstream
func (f *FileFAB) ExtraMetadata() map[string]string {
	extra := map[string]string{
		"Size": strconv.FormatUint(f.Bitstream.Size, 10),
	}
	if f.Metadata.ImageName != "" {
		extra["Name"] = f.Metadata.ImageName
	}
	if f.Metadata.ClockMHz > 0 {
		extra["ClockMHz"] = strconv.Itoa(f.Metadata.ClockMHz)
	}
	return extra
}

// Layout returns the compute unit layout declared by the bitstream metadata
func (f *FileFAB) Layout() []CuDesc {
	cus := make([]CuDesc, 0, len(f.Metadata.ComputeUnits))
	for _, cu := range f.Metadata.ComputeUnits {
		cus = append(cus, CuDesc{
			Name:        cu.Name,
			BaseAddress: cu.BaseAddress,
			Size:        cu.Size,
		})
	}
	return cus
}

// TargetSlot returns the slot requested by the metadata, or -1 for any
func (f *FileFAB) TargetSlot() int {
	if f.Metadata.Slot == nil {
		return -1
	}
	return *f.Metadata.Slot
}

// CanonizeUUID canonizes fabric and image UUIDs
func CanonizeUUID(id string) string {
	return strings.ToLower(strings.Replace(strings.TrimSpace(id), "-", "", -1))
}

// PackFAB assembles a FAB container from metadata and raw bitstream data.
func PackFAB(meta FabMetadata, raw []byte) ([]byte, error) {
	if err := validateMetadata(meta.FabricUUID, meta.ImageUUID, len(meta.ComputeUnits)); err != nil {
		return nil, err
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal FAB metadata")
	}
	if len(blob) >= fabMetadataLimit {
		return nil, errors.Errorf("FAB metadata too large: %d bytes", len(blob))
	}

	buf := new(bytes.Buffer)
	hdr := FabHeader{GUID1: fabGUID1, GUID2: fabGUID2, MetadataLength: uint32(len(blob))}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.WithStack(err)
	}
	buf.Write(blob)
	buf.Write(raw)
	return buf.Bytes(), nil
}
