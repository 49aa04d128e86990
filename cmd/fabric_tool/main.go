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
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/accelfabric/fabric-device-manager/pkg/control"
)

const (
	defaultManagerAddr = "http://127.0.0.1:7447"
	defaultStoreDir    = "/srv/accelfabric/bitstreams"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fabric_tool",
	Short: "fabric_tool inspects fabric bitstreams and drives a running fabric_manager.",
	Long: `fabric_tool inspects and installs fabric bitstream files and drives a ` +
		`running fabric_manager through its control API. Device operations need ` +
		`an open client handle; open one with "fabric_tool client open" and pass ` +
		`it to later invocations with --client.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("addr", defaultManagerAddr, "fabric_manager control API address")
	rootCmd.PersistentFlags().String("client", "", "client handle id for device operations")
}

func apiClient(cmd *cobra.Command) *control.Client {
	addr, _ := cmd.Flags().GetString("addr")

	return control.NewClient(addr)
}

// callerID returns the client handle id the command was invoked with.
func callerID(cmd *cobra.Command) string {
	id, _ := cmd.Flags().GetString("client")
	if id == "" {
		log.Fatal(`no client handle, open one with "fabric_tool client open" and pass it with --client`)
	}

	return id
}

func parseUint32Arg(name, raw string) uint32 {
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		log.Fatalf("invalid %s %q: %v", name, raw, err)
	}

	return uint32(v)
}

func parseUint64Arg(name, raw string) uint64 {
	v, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		log.Fatalf("invalid %s %q: %v", name, raw, err)
	}

	return v
}

func main() {
	Execute()
}
