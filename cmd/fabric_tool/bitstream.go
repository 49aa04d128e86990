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

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
)

var infoCmd = &cobra.Command{
	Use:   "info <bitstream file>",
	Short: "Print the identity and compute unit layout of a bitstream file.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, _ := cmd.Flags().GetString("store")
		if err := printBitstreamInfo(args[0], store); err != nil {
			log.Fatalf("%+v", err)
		}
	},
}

var installCmd = &cobra.Command{
	Use:   "install <bitstream file>",
	Short: "Copy a bitstream file into the storage directory.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, _ := cmd.Flags().GetString("store")

		installPath, err := bitstream.NewStore(store).Install(args[0])
		if err != nil {
			log.Fatalf("%+v", err)
		}

		fmt.Printf("Installed %q as %q\n", args[0], installPath)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(installCmd)
	infoCmd.Flags().String("store", defaultStoreDir, "storage directory used for the installation path")
	installCmd.Flags().String("store", defaultStoreDir, "storage directory to install into")
}

func printBitstreamInfo(fname, storeDir string) error {
	info, err := bitstream.Open(fname)
	if err != nil {
		return err
	}
	defer info.Close()

	fmt.Printf("Bitstream file    : %q\n", fname)
	fmt.Printf("Fabric UUID       : %q\n", info.FabricUUID())
	fmt.Printf("Image UUID        : %q\n", info.ImageUUID())
	fmt.Printf("Installation Path : %q\n", info.InstallPath(storeDir))

	if slot := info.TargetSlot(); slot >= 0 {
		fmt.Printf("Target Slot       : %d\n", slot)
	}

	if layout := info.Layout(); len(layout) > 0 {
		fmt.Println("Compute Units:")

		for i, cu := range layout {
			fmt.Printf("\t%d: %s @ %#x size %#x\n", i, cu.Name, cu.BaseAddress, cu.Size)
		}
	}

	if extra := info.ExtraMetadata(); len(extra) > 0 {
		fmt.Println("Extra:")

		for k, v := range extra {
			fmt.Printf("\t%s : %q\n", k, v)
		}
	}

	return nil
}
