package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/phase"
)

func newProofCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Submit or delete phase proof",
	}
	cmd.AddCommand(newProofSubmitCmd(opts), newProofDeleteCmd(opts))
	return cmd
}

func newProofSubmitCmd(opts *globalOpts) *cobra.Command {
	var phaseArg, ref, note, file string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit proof for a phase (assignee only)",
		Long: `Submit proof for a phase. The phase defaults to the task's current phase.
Proof is a reference (--ref), a note (--note), or an artifact file (--file)
that is stored and referenced by content hash.`,
		Example: `  proofline --actor alice proof submit 7c1e... --note "spec reviewed with PM"
  proofline --actor alice proof submit 7c1e... --phase DG --file design.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := lifecycle.SubmitInput{TaskID: args[0], ProofReference: ref, ProofNote: note}
			if phaseArg != "" {
				key, err := phase.ParseKey(phaseArg)
				if err != nil {
					return fmt.Errorf("%w: %v", lifecycle.ErrNotFound, err)
				}
				in.Phase = key
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				if file != "" {
					f, err := openArtifact(file)
					if err != nil {
						return err
					}
					defer f.Close()
					in.Artifact = f
				}
				rec, err := a.svc.SubmitProof(ctx, in)
				if err != nil {
					return err
				}
				return out.record(rec)
			})
		},
	}
	cmd.Flags().StringVar(&phaseArg, "phase", "", "phase key or short code (default current phase)")
	cmd.Flags().StringVar(&ref, "ref", "", "proof reference such as a URL or ticket id")
	cmd.Flags().StringVar(&note, "note", "", "free-text proof note")
	cmd.Flags().StringVar(&file, "file", "", "artifact file to upload as proof")
	cmd.MarkFlagsMutuallyExclusive("ref", "file")
	return cmd
}

func newProofDeleteCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id> <phase>",
		Short: "Delete a phase's proof and rewind the pointer (reviewer only)",
		Args:  cobra.ExactArgs(2),
		RunE: phaseAction(opts, func(ctx context.Context, svc *lifecycle.Service, taskID string, key phase.Key) (*lifecycle.Record, error) {
			return svc.DeleteProof(ctx, taskID, key)
		}),
	}
}

func newReviewCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Approve or reject submitted proof (reviewer only)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "approve <task-id> <phase>",
			Short: "Approve a pending phase",
			Args:  cobra.ExactArgs(2),
			RunE: phaseAction(opts, func(ctx context.Context, svc *lifecycle.Service, taskID string, key phase.Key) (*lifecycle.Record, error) {
				return svc.ApprovePhase(ctx, taskID, key)
			}),
		},
		&cobra.Command{
			Use:   "reject <task-id> <phase>",
			Short: "Reject a pending phase",
			Args:  cobra.ExactArgs(2),
			RunE: phaseAction(opts, func(ctx context.Context, svc *lifecycle.Service, taskID string, key phase.Key) (*lifecycle.Record, error) {
				return svc.RejectPhase(ctx, taskID, key)
			}),
		},
		&cobra.Command{
			Use:   "approve-all <task-id>",
			Short: "Approve every pending phase",
			Args:  cobra.ExactArgs(1),
			RunE: taskAction(opts, func(ctx context.Context, svc *lifecycle.Service, taskID string) (*lifecycle.Record, error) {
				return svc.BulkApprove(ctx, taskID)
			}),
		},
		&cobra.Command{
			Use:   "reject-all <task-id>",
			Short: "Reject every pending phase",
			Args:  cobra.ExactArgs(1),
			RunE: taskAction(opts, func(ctx context.Context, svc *lifecycle.Service, taskID string) (*lifecycle.Record, error) {
				return svc.BulkReject(ctx, taskID)
			}),
		},
	)
	return cmd
}

type cobraRunE func(cmd *cobra.Command, args []string) error

func phaseAction(opts *globalOpts, fn func(context.Context, *lifecycle.Service, string, phase.Key) (*lifecycle.Record, error)) cobraRunE {
	return func(cmd *cobra.Command, args []string) error {
		key, err := phase.ParseKey(args[1])
		if err != nil {
			return fmt.Errorf("%w: %v", lifecycle.ErrNotFound, err)
		}
		return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
			rec, err := fn(ctx, a.svc, args[0], key)
			if err != nil {
				return err
			}
			return out.record(rec)
		})
	}
}

func taskAction(opts *globalOpts, fn func(context.Context, *lifecycle.Service, string) (*lifecycle.Record, error)) cobraRunE {
	return func(cmd *cobra.Command, args []string) error {
		return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
			rec, err := fn(ctx, a.svc, args[0])
			if err != nil {
				return err
			}
			return out.record(rec)
		})
	}
}
