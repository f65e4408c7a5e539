package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/doctor"
	plotel "github.com/basket/proofline/internal/otel"
)

func newDoctorCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database, artifact store and listen address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(opts.homeDir())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}
			diag := doctor.Run(cmd.Context(), &cfg, plotel.Version)

			out := newPrinter(cmd.OutOrStdout(), opts.json)
			if out.json {
				if err := out.emitJSON(diag); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "proofline doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(w, "system: %s/%s (%s)\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				for _, res := range diag.Results {
					fmt.Fprintf(w, "[%s] %-15s %s\n", res.Status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(w, "       %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return fmt.Errorf("doctor: one or more checks failed")
			}
			return nil
		},
	}
}
