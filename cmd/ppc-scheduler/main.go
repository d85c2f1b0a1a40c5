// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/cmd/server"
	"github.com/wedpr-lab/ppc-scheduler/pkg/version"
)

func newCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(version.GetRawInfo())
		},
	}
}

func main() {
	cmd := &cobra.Command{
		Use:   "ppc-scheduler",
		Short: "DAG job scheduler of the privacy-preserving computation platform",
	}
	cmd.SetOut(os.Stdout)
	cmd.AddCommand(server.NewCmdServer())
	cmd.AddCommand(newCmdVersion())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
