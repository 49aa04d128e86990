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
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/accelfabric/fabric-device-manager/pkg/control"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage client handles on the device.",
}

var clientOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a client handle and print its id.",
	Run: func(cmd *cobra.Command, args []string) {
		privileged, _ := cmd.Flags().GetBool("privileged")

		id, err := apiClient(cmd).OpenClient(context.Background(), privileged)
		if err != nil {
			log.Fatalf("%+v", err)
		}

		fmt.Println(id)
	},
}

var clientCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the client handle and release everything it holds.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiClient(cmd).CloseClient(context.Background(), callerID(cmd)); err != nil {
			log.Fatalf("%+v", err)
		}
	},
}

var clientInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the client handle's resources and statistics.",
	Run: func(cmd *cobra.Command, args []string) {
		info, err := apiClient(cmd).ClientInfo(context.Background(), callerID(cmd))
		if err != nil {
			log.Fatalf("%+v", err)
		}

		printClientInfo(info)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the state of every slot and AIE partition.",
	Run: func(cmd *cobra.Command, args []string) {
		status, err := apiClient(cmd).Status(context.Background())
		if err != nil {
			log.Fatalf("%+v", err)
		}

		printStatus(status)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <bitstream file>",
	Short: "Load a bitstream file into a slot.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		slotID, _ := cmd.Flags().GetInt("slot")
		noWait, _ := cmd.Flags().GetBool("no-wait")

		payload, err := os.ReadFile(args[0])
		if err != nil {
			log.Fatalf("can't read bitstream file: %v", err)
		}

		req := control.LoadBitstreamRequest{NoWait: noWait, Payload: payload}
		if slotID >= 0 {
			req.SlotID = &slotID
		}

		info, err := apiClient(cmd).LoadBitstream(context.Background(), callerID(cmd), req)
		if err != nil {
			log.Fatalf("%+v", err)
		}

		printLoadInfo(info)
	},
}

var ctxCmd = &cobra.Command{
	Use:   "ctx",
	Short: "Manage hardware contexts.",
}

var ctxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a hardware context on a loaded slot, or from a bitstream file.",
	Run: func(cmd *cobra.Command, args []string) {
		slotID, _ := cmd.Flags().GetInt("slot")
		image, _ := cmd.Flags().GetString("image")

		var resp control.CreateContextResponse

		var err error

		switch {
		case image != "":
			var payload []byte

			payload, err = os.ReadFile(image)
			if err != nil {
				log.Fatalf("can't read bitstream file: %v", err)
			}

			resp, err = apiClient(cmd).CreateContextWithImage(context.Background(), callerID(cmd), payload)
		case slotID >= 0:
			resp, err = apiClient(cmd).CreateContext(context.Background(), callerID(cmd), slotID)
		default:
			log.Fatal("pass --slot or --image to place the context")
		}

		if err != nil {
			log.Fatalf("%+v", err)
		}

		if resp.Load != nil {
			printLoadInfo(resp.Load)
		}

		fmt.Printf("Context    : %d\n", resp.ContextID)
	},
}

var ctxDestroyCmd = &cobra.Command{
	Use:   "destroy <ctx-id>",
	Short: "Destroy a hardware context.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctxID := parseUint32Arg("context id", args[0])

		if err := apiClient(cmd).DestroyContext(context.Background(), callerID(cmd), ctxID); err != nil {
			log.Fatalf("%+v", err)
		}
	},
}

var cuCmd = &cobra.Command{
	Use:   "cu",
	Short: "Manage CU contexts within a hardware context.",
}

var cuOpenCmd = &cobra.Command{
	Use:   "open <ctx-id> <cu-index>",
	Short: "Open a CU context.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctxID := parseUint32Arg("context id", args[0])
		cuIndex := parseUint32Arg("CU index", args[1])

		if err := apiClient(cmd).OpenCuContext(context.Background(), callerID(cmd), ctxID, cuIndex); err != nil {
			log.Fatalf("%+v", err)
		}
	},
}

var cuCloseCmd = &cobra.Command{
	Use:   "close <ctx-id> <cu-index>",
	Short: "Close a CU context.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctxID := parseUint32Arg("context id", args[0])
		cuIndex := parseUint32Arg("CU index", args[1])

		if err := apiClient(cmd).CloseCuContext(context.Background(), callerID(cmd), ctxID, cuIndex); err != nil {
			log.Fatalf("%+v", err)
		}
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an exec buffer against a hardware context or a slot.",
	Run: func(cmd *cobra.Command, args []string) {
		ctxID, _ := cmd.Flags().GetUint32("ctx")
		slotID, _ := cmd.Flags().GetInt("slot")
		mask, _ := cmd.Flags().GetString("cu-mask")
		payload, _ := cmd.Flags().GetString("payload")

		req := control.SubmitCommandRequest{
			CuMask:  parseUint64Arg("CU mask", mask),
			Payload: []byte(payload),
		}

		var commandID string

		var err error

		switch {
		case ctxID != 0:
			commandID, err = apiClient(cmd).SubmitContextCommand(context.Background(), callerID(cmd), ctxID, req)
		case slotID >= 0:
			commandID, err = apiClient(cmd).SubmitSlotCommand(context.Background(), callerID(cmd), slotID, req)
		default:
			log.Fatal("pass --ctx or --slot to address the command")
		}

		if err != nil {
			log.Fatalf("%+v", err)
		}

		fmt.Println(commandID)
	},
}

var apertureCmd = &cobra.Command{
	Use:   "aperture",
	Short: "Resolve a CU aperture by index or by physical address.",
	Run: func(cmd *cobra.Command, args []string) {
		slotID, _ := cmd.Flags().GetInt("slot")
		cu, _ := cmd.Flags().GetString("cu")
		address, _ := cmd.Flags().GetString("address")

		var ap fabric.ApertureInfo

		var err error

		switch {
		case cu != "":
			ap, err = apiClient(cmd).ResolveCuByIndex(context.Background(), slotID, parseUint32Arg("CU index", cu))
		case address != "":
			ap, err = apiClient(cmd).ResolveCuByAddress(context.Background(), slotID, parseUint64Arg("address", address))
		default:
			log.Fatal("pass --cu or --address to select the aperture")
		}

		if err != nil {
			log.Fatalf("%+v", err)
		}

		printAperture(ap)
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(ctxCmd)
	rootCmd.AddCommand(cuCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(apertureCmd)

	clientCmd.AddCommand(clientOpenCmd)
	clientCmd.AddCommand(clientCloseCmd)
	clientCmd.AddCommand(clientInfoCmd)
	clientOpenCmd.Flags().Bool("privileged", false, "open a privileged handle (error injection)")

	loadCmd.Flags().Int("slot", -1, "target slot, -1 lets the device choose")
	loadCmd.Flags().Bool("no-wait", false, "fail with slot-busy instead of waiting for the slot")

	ctxCmd.AddCommand(ctxCreateCmd)
	ctxCmd.AddCommand(ctxDestroyCmd)
	ctxCreateCmd.Flags().Int("slot", -1, "slot holding the loaded bitstream")
	ctxCreateCmd.Flags().String("image", "", "bitstream file to load before creating the context")

	cuCmd.AddCommand(cuOpenCmd)
	cuCmd.AddCommand(cuCloseCmd)

	submitCmd.Flags().Uint32("ctx", 0, "hardware context to submit against")
	submitCmd.Flags().Int("slot", -1, "slot to submit against (legacy addressing)")
	submitCmd.Flags().String("cu-mask", "0x1", "CU candidate mask")
	submitCmd.Flags().String("payload", "", "command payload")

	apertureCmd.Flags().Int("slot", 0, "slot to resolve in")
	apertureCmd.Flags().String("cu", "", "device-wide CU index to resolve")
	apertureCmd.Flags().String("address", "", "physical address to resolve")
}

func printClientInfo(info fabric.ClientInfo) {
	fmt.Printf("Client     : %s\n", info.ID)
	fmt.Printf("Privileged : %t\n", info.Privileged)

	if len(info.Contexts) > 0 {
		fmt.Printf("Contexts   : %v\n", info.Contexts)
	}

	if len(info.AieHandles) > 0 {
		fmt.Printf("AIE Handles: %v\n", info.AieHandles)
	}

	fmt.Printf("Loads      : %d\n", info.Stats.BitstreamsLoaded)
	fmt.Printf("Commands   : %d submitted, %d completed\n",
		info.Stats.CommandsSubmitted, info.Stats.CommandsCompleted)
}

func printStatus(status fabric.DeviceStatus) {
	fmt.Printf("Clients  : %d\n", status.Clients)
	fmt.Printf("Contexts : %d\n", status.Contexts)

	for _, slot := range status.Slots {
		if slot.Generation == 0 {
			fmt.Printf("Slot %d   : empty\n", slot.ID)
			continue
		}

		name := slot.Name
		if name == "" {
			name = slot.ImageUUID
		}

		fmt.Printf("Slot %d   : generation %d image %q contexts %d pending %d stale %d\n",
			slot.ID, slot.Generation, name, slot.LiveContexts, slot.PendingCommands, slot.StaleCommands)
	}

	for _, p := range status.Partitions {
		fmt.Printf("Partition %d: columns %d+%d freq %d MHz handles %d\n",
			p.ID, p.StartColumn, p.NumColumns, p.FreqMHz, p.OpenHandles)
	}
}

func printLoadInfo(info *fabric.LoadInfo) {
	fmt.Printf("Slot       : %d\n", info.SlotID)
	fmt.Printf("Generation : %d\n", info.Generation)

	if info.Name != "" {
		fmt.Printf("Image Name : %q\n", info.Name)
	}

	fmt.Printf("Fabric UUID: %q\n", info.FabricUUID)
	fmt.Printf("Image UUID : %q\n", info.ImageUUID)
	fmt.Printf("CU Indices : %d..%d\n", info.CuIndexBase, info.CuIndexBase+uint32(info.CuCount)-1)
}

func printAperture(ap fabric.ApertureInfo) {
	fmt.Printf("CU Index       : %d\n", ap.CuIndex)
	fmt.Printf("Aperture Index : %d\n", ap.ApertureIndex)
	fmt.Printf("Name           : %q\n", ap.Name)
	fmt.Printf("Address        : %#x\n", ap.Address)
	fmt.Printf("Size           : %#x\n", ap.Size)

	if ap.ReadOnlySize > 0 {
		fmt.Printf("Read-Only      : %#x bytes @ %#x\n", ap.ReadOnlySize, ap.ReadOnlyStart)
	}
}
