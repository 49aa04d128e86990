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
	"os"
	"path/filepath"
	"testing"
)

const testSidecar = `[image]
name = aes
fabric-uuid = ` + testFabricUUID + `
image-uuid = ` + testImageUUID + `
target-slot = 1

[cu.aes_1]
base-address = 0xB0000000
size = 4096
`

func writeTestRBF(t *testing.T, dir, base, sidecar string) string {
	t.Helper()
	fname := filepath.Join(dir, base+fileExtensionRBF)
	if err := os.WriteFile(fname, []byte{0x11, 0x22, 0x33}, 0644); err != nil {
		t.Fatalf("unexpected write error: %+v", err)
	}
	if sidecar != "" {
		if err := os.WriteFile(filepath.Join(dir, base+fileExtensionConf), []byte(sidecar), 0644); err != nil {
			t.Fatalf("unexpected write error: %+v", err)
		}
	}
	return fname
}

func TestOpenRBF(t *testing.T) {
	tcases := []struct {
		name          string
		sidecar       string
		expectedError bool
	}{
		{
			name:    "correct RBF with sidecar",
			sidecar: testSidecar,
		},
		{
			name:          "missing sidecar",
			expectedError: true,
		},
		{
			name: "missing image uuid",
			sidecar: `[image]
fabric-uuid = ` + testFabricUUID + `

[cu.aes_1]
base-address = 0xB0000000
size = 4096
`,
			expectedError: true,
		},
		{
			name: "no compute unit sections",
			sidecar: `[image]
fabric-uuid = ` + testFabricUUID + `
image-uuid = ` + testImageUUID + `
`,
			expectedError: true,
		},
		{
			name: "broken base address",
			sidecar: `[image]
fabric-uuid = ` + testFabricUUID + `
image-uuid = ` + testImageUUID + `

[cu.aes_1]
base-address = notanumber
size = 4096
`,
			expectedError: true,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			fname := writeTestRBF(t, t.TempDir(), "image", tc.sidecar)
			f, err := OpenRBF(fname)
			if tc.expectedError && err == nil {
				t.Error("unexpected success")
			}
			if !tc.expectedError && err != nil {
				t.Errorf("unexpected error: %+v", err)
			}
			if f != nil {
				f.Close()
			}
		})
	}
}

func TestFileRBFMethods(t *testing.T) {
	fname := writeTestRBF(t, t.TempDir(), "image", testSidecar)

	rbf, err := OpenRBF(fname)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	defer rbf.Close()

	if rbf.FabricUUID() != testFabricUUID {
		t.Errorf("unexpected fabric UUID: %s", rbf.FabricUUID())
	}
	if rbf.ImageUUID() != testImageUUID {
		t.Errorf("unexpected image UUID: %s", rbf.ImageUUID())
	}
	if rbf.TargetSlot() != 1 {
		t.Errorf("unexpected target slot: %d", rbf.TargetSlot())
	}

	layout := rbf.Layout()
	if len(layout) != 1 {
		t.Fatalf("unexpected layout length: %d", len(layout))
	}
	if layout[0].Name != "aes_1" || layout[0].BaseAddress != 0xB0000000 || layout[0].Size != 4096 {
		t.Errorf("unexpected CU descriptor: %+v", layout[0])
	}

	data, err := rbf.RawBitstreamData()
	if err != nil {
		t.Fatalf("unexpected data error: %+v", err)
	}
	if len(data) != 3 {
		t.Errorf("unexpected raw data length: %d", len(data))
	}

	extra := rbf.ExtraMetadata()
	if extra["Size"] != "3" || extra["Name"] != "aes" {
		t.Errorf("unexpected extra metadata: %+v", extra)
	}

	installPath := rbf.InstallPath("/srv")
	if installPath != filepath.Join("/srv", testFabricUUID, testImageUUID)+".rbf" {
		t.Errorf("unexpected install path: %s", installPath)
	}
}
