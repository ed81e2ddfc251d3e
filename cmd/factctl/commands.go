package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fact-memory-kernel/internal/kernel"
)

func (a *app) newProcessCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "process [user-id]",
		Short: "Extract facts from conversation inputs",
		Long: `Extract facts from every conversation input, or from one user's.

Inputs whose content was already processed are skipped unless --force is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if len(args) == 1 {
					report, err := k.ProcessUser(ctx, args[0], force)
					if perr := printJSON(cmd, report); perr != nil {
						return perr
					}
					return err
				}
				report, err := k.ProcessAll(ctx, force)
				if err != nil && report == nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), report.Message)
				if perr := printJSON(cmd, report.Sorted()); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Re-extract inputs that were already processed")
	return cmd
}

func (a *app) newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <user-id>",
		Short: "Mark a user's inputs unprocessed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				n, err := k.Forget(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %d processed input(s) of %s\n", n, args[0])
				return nil
			})
		},
	}
}

func (a *app) newCandidatesCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List rejected facts awaiting reprocessing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				nodes, err := k.ReprocessCandidates(ctx, user)
				if err != nil {
					return err
				}
				return printJSON(cmd, nodes)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Only this user's candidates")
	return cmd
}

func (a *app) newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <node-id>",
		Short: "Re-extract a rejected fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				out, err := k.Reprocess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func (a *app) newReviewCmd(use, short string, decide func(k *kernel.Kernel) func(ctx context.Context, nodeID, reviewer string) error) *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   use + " <node-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := decide(k)(ctx, args[0], reviewer); err != nil {
					return err
				}
				n, err := k.Node(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, n)
			})
		},
	}
	cmd.Flags().StringVarP(&reviewer, "reviewer", "r", "", "Reviewer id recorded on the decision")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func (a *app) newApproveCmd() *cobra.Command {
	return a.newReviewCmd("approve", "Approve a pending fact", func(k *kernel.Kernel) func(context.Context, string, string) error {
		return func(ctx context.Context, nodeID, reviewer string) error {
			_, err := k.Approve(ctx, nodeID, reviewer)
			return err
		}
	})
}

func (a *app) newRejectCmd() *cobra.Command {
	return a.newReviewCmd("reject", "Reject a pending fact and queue it for reprocessing", func(k *kernel.Kernel) func(context.Context, string, string) error {
		return func(ctx context.Context, nodeID, reviewer string) error {
			_, err := k.Reject(ctx, nodeID, reviewer)
			return err
		}
	})
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fact counts by status, layer and confidence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				stats, err := k.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}
