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
	"fmt"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <security code>",
	Short: "Fetch one security from every broker and compare the results",
	Long: `Run the full fetch, parse and validate cycle against every configured broker
without failing over, and print one line per broker. Nothing is saved.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := newOrchestrator()
		if err != nil {
			return err
		}

		attempts := orch.Probe(cmd.Context(), args[0])
		out := cmd.OutOrStdout()
		for _, a := range attempts {
			fmt.Fprintln(out, a.String())
			d := a.Diagnostics
			fmt.Fprintf(out, "    dates=%d numbers=%d unparseable=%d stride=%d duplicates=%d scaled=%d misaligned=%d/%d\n",
				d.Dates, d.Numbers, d.Unparseable, d.Stride, d.Duplicates, d.Scaled, d.Misaligned, d.Sampled)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
