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

//---------------------------------------------------------------
// storage SPECIFICATION
//
// <path>/<fabric-uuid>/<image-uuid>.fab   (FAB container)
// <path>/<fabric-uuid>/<image-uuid>.rbf   (raw bitstream)
// <path>/<fabric-uuid>/<image-uuid>.conf  (INI metadata sidecar for the .rbf)
//---------------------------------------------------------------

package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
)

const (
	dirMode  = 0775
	fileMode = 0644

	maxFabrics     = 64
	maxImages      = 512
	maxCusPerImage = 64

	cuApertureBase   = 0xA0000000
	cuApertureStride = 0x10000
)

var cuKernels = []string{"fir", "fft", "aes", "conv", "gemm", "scaler"}

var fabricDirRE = regexp.MustCompile(`^[0-9a-f]{32}$`)

// GenOptions represents the struct for our YAML data.
type GenOptions struct {
	Info            string `yaml:"Info"`            // Verbal config description
	Path            string `yaml:"Path"`            // Storage directory to populate
	FabricCount     int    `yaml:"FabricCount"`     // How many fabric families to fake
	ImagesPerFabric int    `yaml:"ImagesPerFabric"` // How many images per fabric family
	CusPerImage     int    `yaml:"CusPerImage"`     // Compute units per image
	RbfEvery        int    `yaml:"RbfEvery"`        // Every Nth image gets the RBF+conf form, 0 = FAB only
	RawSize         int    `yaml:"RawSize"`         // Raw bitstream payload size in bytes
	Seed            int64  `yaml:"Seed"`            // Seed for reproducible UUIDs and payloads

	// fields for counting what was generated
	fabs int
	rbfs int
}

func getOptions(fname string) GenOptions {
	data, err := os.ReadFile(fname)
	if err != nil {
		klog.Fatalf("Unable to read fake bitstream spec %s: %v", fname, err)
	}

	klog.V(1).Infof("Using fake bitstream YAML spec: %v\n", string(data))

	opts := GenOptions{
		FabricCount:     1,
		ImagesPerFabric: 4,
		CusPerImage:     2,
		RawSize:         4096,
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		klog.Fatalf("Unmarshaling YAML spec '%s' failed: %v", fname, err)
	}

	return verifyOptions(opts)
}

func verifyOptions(opts GenOptions) GenOptions {
	if opts.Path == "" {
		klog.Fatalf("No storage path provided")
	}

	if opts.FabricCount < 1 || opts.FabricCount > maxFabrics {
		klog.Fatalf("Invalid fabric count: 1 <= %d <= %d", opts.FabricCount, maxFabrics)
	}

	if opts.ImagesPerFabric < 1 || opts.FabricCount*opts.ImagesPerFabric > maxImages {
		klog.Fatalf("Invalid image count: 1 <= %d and %d * %d <= %d",
			opts.ImagesPerFabric, opts.FabricCount, opts.ImagesPerFabric, maxImages)
	}

	if opts.CusPerImage < 1 || opts.CusPerImage > maxCusPerImage {
		klog.Fatalf("Invalid CU count: 1 <= %d <= %d", opts.CusPerImage, maxCusPerImage)
	}

	if opts.RawSize < 1 {
		klog.Fatalf("Invalid raw payload size: %d < 1", opts.RawSize)
	}

	return opts
}

// removeExistingStore wipes a previously generated population. Anything that
// does not look like generated content aborts the run.
func removeExistingStore(path string) {
	entries, err := os.ReadDir(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		klog.Fatalf("ReadDir() failed on fake storage path '%s': %v", path, err)
	}

	if len(entries) == 0 {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		if !entry.IsDir() || !fabricDirRE.MatchString(name) {
			klog.Fatalf("unexpected entry '%s' in '%s' - real storage?", name, path)
		}
	}

	klog.V(1).Infof("Removing already existing fake storage path '%s'", path)

	if err := os.RemoveAll(path); err != nil {
		klog.Fatalf("unable to remove fake storage path '%s': %v", path, err)
	}
}

func randomUUID(r *rand.Rand) string {
	id := make([]byte, 16)
	r.Read(id)

	return hex.EncodeToString(id)
}

func makeLayout(count int, r *rand.Rand) []bitstream.FabCu {
	cus := make([]bitstream.FabCu, count)

	for j := range cus {
		kernel := cuKernels[r.Intn(len(cuKernels))]
		cus[j] = bitstream.FabCu{
			Name:        fmt.Sprintf("%s_%d", kernel, j),
			BaseAddress: cuApertureBase + uint64(j)*cuApertureStride,
			Size:        cuApertureStride,
		}
	}

	return cus
}

func writeFAB(dir string, meta bitstream.FabMetadata, raw []byte) error {
	payload, err := bitstream.PackFAB(meta, raw)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, meta.ImageUUID+".fab"), payload, fileMode)
}

func writeRBF(dir string, meta bitstream.FabMetadata, raw []byte) error {
	if err := os.WriteFile(filepath.Join(dir, meta.ImageUUID+".rbf"), raw, fileMode); err != nil {
		return err
	}

	sidecar := ini.Empty()

	img := sidecar.Section("image")
	img.Key("name").SetValue(meta.ImageName)
	img.Key("fabric-uuid").SetValue(meta.FabricUUID)
	img.Key("image-uuid").SetValue(meta.ImageUUID)
	img.Key("clock-frequency-mhz").SetValue(strconv.Itoa(meta.ClockMHz))

	for _, cu := range meta.ComputeUnits {
		section := sidecar.Section("cu." + cu.Name)
		section.Key("base-address").SetValue(fmt.Sprintf("%#x", cu.BaseAddress))
		section.Key("size").SetValue(fmt.Sprintf("%#x", cu.Size))
	}

	return sidecar.SaveTo(filepath.Join(dir, meta.ImageUUID+".conf"))
}

func generateImages(opts GenOptions) {
	if opts.Info != "" {
		klog.V(1).Infof("Config: '%s'", opts.Info)
	}

	removeExistingStore(opts.Path)

	klog.Infof("Generating fake bitstream storage under '%s'", opts.Path)

	r := rand.New(rand.NewSource(opts.Seed))

	for f := 0; f < opts.FabricCount; f++ {
		fabricUUID := randomUUID(r)

		dir := filepath.Join(opts.Path, fabricUUID)
		if err := os.MkdirAll(dir, dirMode); err != nil {
			klog.Fatalf("Fabric-%d storage folder creation failed: %v", f, err)
		}

		for i := 0; i < opts.ImagesPerFabric; i++ {
			meta := bitstream.FabMetadata{
				Version:      1,
				ImageName:    fmt.Sprintf("fake-%02d-%02d", f, i),
				FabricUUID:   fabricUUID,
				ImageUUID:    randomUUID(r),
				ClockMHz:     100 + r.Intn(400),
				ComputeUnits: makeLayout(opts.CusPerImage, r),
			}

			raw := make([]byte, opts.RawSize)
			r.Read(raw)

			if opts.RbfEvery > 0 && i%opts.RbfEvery == 0 {
				if err := writeRBF(dir, meta, raw); err != nil {
					klog.Fatalf("Fabric-%d image-%d RBF generation failed: %v", f, i, err)
				}

				opts.rbfs++
			} else {
				if err := writeFAB(dir, meta, raw); err != nil {
					klog.Fatalf("Fabric-%d image-%d FAB generation failed: %v", f, i, err)
				}

				opts.fabs++
			}
		}
	}

	klog.Infof("Generated %d FAB and %d RBF bitstreams in %d fabric folders",
		opts.fabs, opts.rbfs, opts.FabricCount)
}

func main() {
	var name string

	flag.StringVar(&name, "config", "", "YAML spec for the fake bitstream population")
	klog.InitFlags(nil)

	flag.Parse()

	if name == "" {
		klog.Fatal("no fake bitstream spec provided")
	}

	generateImages(getOptions(name))
}
