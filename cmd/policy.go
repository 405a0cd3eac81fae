package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and print the effective scoring policy as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPolicy(cfg.Engine)
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# policy hash %s\n", p.Hash())
		_, err = w.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
}
