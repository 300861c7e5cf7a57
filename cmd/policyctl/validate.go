package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load every policy file and report the registry it produces",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := loadRegistry()
		if err != nil {
			fatal("Invalid policies", err)
		}
		for _, p := range reg.List() {
			mark := " "
			if p.ID == reg.DefaultID() {
				mark = "*"
			}
			enabled := 0
			for _, a := range p.Auditors {
				if a.IsEnabled() {
					enabled++
				}
				if ref, ok := a.Params["reference"].(string); ok {
					if _, err := os.Stat(ref); err != nil {
						fmt.Printf("warning: policy %s auditor %s: %v\n", p.ID, a.ID, err)
					}
				}
			}
			fmt.Printf("%s %-16s %d/%d auditors  %s\n", mark, p.ID, enabled, len(p.Auditors), p.Name)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
