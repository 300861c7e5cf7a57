package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/documentauditflow/internal/services"
	"github.com/spf13/cobra"
)

var (
	verbose       bool
	policyDir     string
	defaultPolicy string
	floor         float64
)

var rootCmd = &cobra.Command{
	Use:   "policyctl",
	Short: "Validate audit policies and run them against local documents",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&policyDir, "policies", "p", "policies", "Directory holding the policy files")
	rootCmd.PersistentFlags().StringVar(&defaultPolicy, "default", "", "Default policy id (overrides the default flag in the files)")
	rootCmd.PersistentFlags().Float64Var(&floor, "floor", services.DefaultDetectionFloor, "Minimum auto-detection score")
}

func loadRegistry() (*services.PolicyRegistry, error) {
	policies, err := services.LoadPolicies(policyDir)
	if err != nil {
		return nil, err
	}
	return services.NewPolicyRegistry(policies, defaultPolicy, floor)
}
