/*
Copyright 2022

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
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errAllBrokersDown = errors.New("no broker reachable")

var healthcheckCmd = &cobra.Command{
	Use:          "healthcheck",
	Short:        "Check that each broker site is reachable",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := newOrchestrator()
		if err != nil {
			return err
		}

		results := orch.HealthCheck(cmd.Context())
		out := cmd.OutOrStdout()
		up := 0
		for _, ep := range orch.Endpoints() {
			if err := results[ep.Name]; err != nil {
				fmt.Fprintf(out, "%-24s DOWN %v\n", ep.Name, err)
				continue
			}
			up++
			fmt.Fprintf(out, "%-24s UP\n", ep.Name)
		}

		if up == 0 {
			return errAllBrokersDown
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}
