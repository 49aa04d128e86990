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
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
)

const (
	fileExtensionRBF  = ".rbf"
	fileExtensionConf = ".conf"

	imageSection    = "image"
	cuSectionPrefix = "cu."
)

// FileRBF represents a raw bitstream file described by an INI metadata
// sidecar of the same basename. A pair like image.rbf + image.conf carries
// the same information a FAB container embeds.
type FileRBF struct {
	Name       string
	fabricUUID string
	imageUUID  string
	targetSlot int
	clockMHz   int
	layout     []CuDesc
	Bitstream  *Bitstream
	closer     io.Closer
}

// OpenRBF opens the named raw bitstream file and its metadata sidecar.
func OpenRBF(name string) (*FileRBF, error) {
	conf := strings.TrimSuffix(name, fileExtensionRBF) + fileExtensionConf

	meta, err := ini.Load(conf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse bitstream metadata %s", conf)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ff, err := newFileRBF(f, meta)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

func newFileRBF(r bitstreamReader, meta *ini.File) (*FileRBF, error) {
	f := &FileRBF{targetSlot: -1}

	img := meta.Section(imageSection)
	f.Name = img.Key("name").String()
	f.fabricUUID = CanonizeUUID(img.Key("fabric-uuid").String())
	f.imageUUID = CanonizeUUID(img.Key("image-uuid").String())
	if key, err := img.GetKey("target-slot"); err == nil {
		slot, err := key.Int()
		if err != nil {
			return nil, errors.Wrap(err, "can't parse target-slot in bitstream metadata")
		}
		f.targetSlot = slot
	}
	if key, err := img.GetKey("clock-frequency-mhz"); err == nil {
		clock, err := key.Int()
		if err != nil {
			return nil, errors.Wrap(err, "can't parse clock-frequency-mhz in bitstream metadata")
		}
		f.clockMHz = clock
	}

	for _, section := range meta.Sections() {
		if !strings.HasPrefix(section.Name(), cuSectionPrefix) {
			continue
		}
		addr, err := section.Key("base-address").Uint64()
		if err != nil {
			return nil, errors.Wrapf(err, "can't parse base-address in %s", section.Name())
		}
		size, err := section.Key("size").Uint64()
		if err != nil {
			return nil, errors.Wrapf(err, "can't parse size in %s", section.Name())
		}
		f.layout = append(f.layout, CuDesc{
			Name:        strings.TrimPrefix(section.Name(), cuSectionPrefix),
			BaseAddress: addr,
			Size:        size,
		})
	}

	if err := validateMetadata(f.fabricUUID, f.imageUUID, len(f.layout)); err != nil {
		return nil, err
	}

	last, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine file size")
	}
	b := new(Bitstream)
	b.Size = uint64(last)
	b.sr = io.NewSectionReader(r, 0, last)
	b.ReaderAt = b.sr
	f.Bitstream = b
	return f, nil
}

// Close closes the FileRBF.
func (f *FileRBF) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return
}

// RawBitstreamReader returns Reader for raw bitstream data
func (f *FileRBF) RawBitstreamReader() io.ReadSeeker {
	return f.Bitstream.Open()
}

// RawBitstreamData returns raw bitstream data
func (f *FileRBF) RawBitstreamData() ([]byte, error) {
	return f.Bitstream.Data()
}

// FabricUUID returns the normalized fabric UUID from the sidecar
func (f *FileRBF) FabricUUID() string {
	return f.fabricUUID
}

// ImageUUID returns the normalized image UUID from the sidecar
func (f *FileRBF) ImageUUID() string {
	return f.imageUUID
}

// InstallPath returns unique filename for bitstream relative to given directory
func (f *FileRBF) InstallPath(root string) (ret string) {
	if f.fabricUUID != "" && f.imageUUID != "" {
		ret = filepath.Join(root, f.fabricUUID, f.imageUUID+fileExtensionRBF)
	}
	return
}

// ExtraMetadata returns map of key/value with additional metadata that can be detected from bitstream
func (f *FileRBF) ExtraMetadata() map[string]string {
	extra := map[string]string{
		"Size": strconv.FormatUint(f.Bitstream.Size, 10),
	}
	if f.Name != "" {
		extra["Name"] = f.Name
	}
	if f.clockMHz > 0 {
		extra["ClockMHz"] = strconv.Itoa(f.clockMHz)
	}
	return extra
}

// Layout returns the compute unit layout declared by the sidecar
func (f *FileRBF) Layout() []CuDesc {
	cus := make([]CuDesc, len(f.layout))
	copy(cus, f.layout)
	return cus
}

// TargetSlot returns the slot requested by the sidecar, or -1 for any
func (f *FileRBF) TargetSlot() int {
	return f.targetSlot
}
