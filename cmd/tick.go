/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/retainly/retainly"
	"github.com/spf13/cobra"
)

// tickExitCode maps a tick outcome to the process exit code: 0 for a clean
// or skipped pass, 2 for a partial pass and 1 when the pass could not run.
func tickExitCode(summary retainly.TickSummary, err error) int {
	switch {
	case err != nil:
		return 1
	case summary.Status == retainly.TickPartial:
		return 2
	default:
		return 0
	}
}

// tickCommands runs a single tick and prints its summary, for cron-driven deployments.
func tickCommands(r *retainlyInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "run one scheduler tick",
		Run: func(cmd *cobra.Command, args []string) {
			summary, err := r.retainly.Tick(context.Background())
			if err != nil {
				log.Printf("tick failed: %v", err)
			}

			data, mErr := json.MarshalIndent(summary, "", "    ")
			if mErr == nil {
				fmt.Println(string(data))
			}

			if cErr := r.retainly.Close(); cErr != nil {
				log.Printf("Error closing retainly: %v", cErr)
			}
			os.Exit(tickExitCode(summary, err))
		},
	}
	return cmd
}
