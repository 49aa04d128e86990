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
	"strconv"

	"github.com/spf13/cobra"
)

var aieCmd = &cobra.Command{
	Use:   "aie",
	Short: "Control the AI engine array.",
}

var aieResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the AI engine array. Refused while partition handles are open.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiClient(cmd).AieReset(context.Background(), callerID(cmd)); err != nil {
			log.Fatalf("%+v", err)
		}

		fmt.Println("AIE array reset")
	},
}

var aieFreqCmd = &cobra.Command{
	Use:   "freq <partition> <mhz>",
	Short: "Set the clock frequency of an AIE partition.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		partition, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("invalid partition %q: %v", args[0], err)
		}

		freq := parseUint64Arg("frequency", args[1])

		if err := apiClient(cmd).AieSetFrequency(context.Background(), callerID(cmd), partition, freq); err != nil {
			log.Fatalf("%+v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(aieCmd)
	aieCmd.AddCommand(aieResetCmd)
	aieCmd.AddCommand(aieFreqCmd)
}
