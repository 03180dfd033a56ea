package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/storyforge/internal/config"
	"github.com/basket/storyforge/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and provider setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgPtr = &cfg
			}
			diag := doctor.Run(cmd.Context(), cfgPtr, Version)
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
			} else {
				printDiagnosis(cmd.OutOrStdout(), diag)
			}
			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "StoryForge Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s), storyforge %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(w, "[%s] %-12s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", res.Detail)
		}
	}
}
