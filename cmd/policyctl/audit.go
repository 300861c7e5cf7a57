package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/auditors"
	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/services"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	auditPolicy    string
	grammarURL     string
	auditJSON      bool
	tokenBudget    int
	auditorTimeout time.Duration
	pageCap        int
)

var auditCmd = &cobra.Command{
	Use:   "audit <file>",
	Short: "Run a policy against a local file and print the report",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		reg, err := loadRegistry()
		if err != nil {
			fatal("Invalid policies", err)
		}
		doc, text, err := extractFile(ctx, args[0], pageCap)
		if err != nil {
			fatal("Error extracting text", err)
		}
		policy, det, err := reg.Resolve(models.ParsePolicyRef(auditPolicy), text.Text)
		if err != nil {
			fatal("Error resolving policy", err)
		}

		deps, err := auditDeps(ctx)
		if err != nil {
			fatal("Error configuring auditors", err)
		}
		report, err := services.NewCoordinator(deps, services.CoordinatorConfig{AuditorTimeout: auditorTimeout}).
			Validate(ctx, doc, text, policy, det)
		if err != nil {
			fatal("Error running audit", err)
		}
		report.ID = uuid.NewString()
		report.OwnerID = doc.OwnerID

		if auditJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				fatal("Error encoding JSON", err)
			}
			return
		}
		fmt.Println(services.FormatReport(report, doc.Filename, tokenBudget))
		if report.Verdict == models.VerdictFail {
			os.Exit(2)
		}
	},
}

// auditDeps wires the optional external checkers. Auditors whose dependency
// is missing report a diagnostic instead of findings.
func auditDeps(ctx context.Context) (auditors.Deps, error) {
	var deps auditors.Deps
	if grammarURL != "" {
		deps.Grammar = auditors.NewLanguageTool(grammarURL, 2, auditorTimeout)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		judge, err := llm.NewEinoChat(ctx, llm.EinoConfig{
			APIKey:  key,
			Model:   model,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		})
		if err != nil {
			return deps, err
		}
		deps.Judge = judge
	}
	return deps, nil
}

func init() {
	auditCmd.Flags().StringVar(&auditPolicy, "policy", "auto", "Policy id, or auto to detect one")
	auditCmd.Flags().StringVar(&grammarURL, "grammar-url", os.Getenv("GRAMMAR_URL"), "LanguageTool server for the grammar auditor")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the full report as JSON")
	auditCmd.Flags().IntVar(&tokenBudget, "tokens", 2000, "Token budget of the text report")
	auditCmd.Flags().DurationVar(&auditorTimeout, "auditor-timeout", 40*time.Second, "Per-auditor time limit")
	rootCmd.PersistentFlags().IntVar(&pageCap, "page-cap", 50, "Maximum pages to read")
	rootCmd.AddCommand(auditCmd)
}
