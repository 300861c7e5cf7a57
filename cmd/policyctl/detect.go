package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <file>",
	Short: "Show which policy auto-detection picks for a file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := loadRegistry()
		if err != nil {
			fatal("Invalid policies", err)
		}
		_, text, err := extractFile(context.Background(), args[0], pageCap)
		if err != nil {
			fatal("Error extracting text", err)
		}

		det := reg.Detect(text.Text)
		ids := make([]string, 0, len(det.Scores))
		for id := range det.Scores {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if det.Scores[ids[i]] != det.Scores[ids[j]] {
				return det.Scores[ids[i]] > det.Scores[ids[j]]
			}
			return ids[i] < ids[j]
		})
		for _, id := range ids {
			fmt.Printf("%-16s %.2f\n", id, det.Scores[id])
		}
		if det.Fallback {
			fmt.Printf("selected: %s (default, no policy reached %.2f)\n", det.PolicyID, floor)
			return
		}
		fmt.Printf("selected: %s\n", det.PolicyID)
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
