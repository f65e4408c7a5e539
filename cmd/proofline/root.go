package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/shared"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	home    string
	actor   string
	json    bool
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "proofline",
		Short: "Proof-gated task lifecycle engine",
		Long: `proofline tracks tasks through an ordered set of phases. The assignee
submits proof for each phase, the reviewer approves or rejects it, and a task
completes when its terminal phase is approved.

State lives in a SQLite database under $PROOFLINE_HOME (default ~/.proofline).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "proofline home directory (default $PROOFLINE_HOME or ~/.proofline)")
	root.PersistentFlags().StringVar(&opts.actor, "actor", "", "acting user id (default $PROOFLINE_ACTOR)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON output")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "mirror logs to stdout")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newDoctorCmd(opts),
		newPhasesCmd(opts),
		newTaskCmd(opts),
		newProgressCmd(opts),
		newEventsCmd(opts),
		newProofCmd(opts),
		newReviewCmd(opts),
		newRetentionCmd(opts),
		newBackupCmd(opts),
	)
	return root
}

func (o *globalOpts) homeDir() string {
	if o.home != "" {
		return o.home
	}
	return config.HomeDir()
}

func (o *globalOpts) actorID() string {
	if a := strings.TrimSpace(o.actor); a != "" {
		return a
	}
	return strings.TrimSpace(os.Getenv("PROOFLINE_ACTOR"))
}

// commandContext tags ctx with the acting user and a fresh trace id.
func (o *globalOpts) commandContext(ctx context.Context) context.Context {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	return shared.WithActorID(ctx, o.actorID())
}

// withApp opens the app for one command invocation and closes it afterwards.
func (o *globalOpts) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, out *printer) error) error {
	ctx := o.commandContext(cmd.Context())
	a, err := openApp(ctx, o.homeDir(), !o.verbose)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, newPrinter(cmd.OutOrStdout(), o.json))
}
