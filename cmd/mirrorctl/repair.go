package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/config"
	"github.com/basket/escrowmirror/internal/reconcile"
)

func (c *cli) chainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Read the escrow contract directly",
	}

	var from uint64
	var limit int
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "List on-chain tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				counter, err := env.chain.TaskCounter(ctx)
				if err != nil {
					return fmt.Errorf("read task counter: %w", err)
				}
				start := max(from, 1)
				var out []chain.OnChainTask
				for id := start; id <= counter && (limit <= 0 || len(out) < limit); id++ {
					t, err := env.chain.Task(ctx, id)
					if err != nil {
						return fmt.Errorf("read task %d: %w", id, err)
					}
					out = append(out, t)
				}
				if c.jsonOut {
					return c.printer().JSON(out)
				}
				c.printer().ChainTasks(out)
				return nil
			})
		},
	}
	tasks.Flags().Uint64Var(&from, "from", 1, "first task id")
	tasks.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks, 0 for all")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "counter",
			Short: "Print the contract's task counter",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					counter, err := env.chain.TaskCounter(ctx)
					if err != nil {
						return fmt.Errorf("read task counter: %w", err)
					}
					if c.jsonOut {
						return c.printer().JSON(map[string]any{"chain_id": env.chainID, "task_counter": counter})
					}
					fmt.Fprintf(c.stdout, "%s (%s) taskCounter = %d\n",
						config.ChainName(env.cfg.Chain.ID), env.chainID, counter)
					return nil
				})
			},
		},
		tasks,
		&cobra.Command{
			Use:   "task <id>",
			Short: "Read one on-chain task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseTaskID(args[0])
				if err != nil {
					return err
				}
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					t, err := env.chain.Task(ctx, id)
					if err != nil {
						return fmt.Errorf("read task %d: %w", id, err)
					}
					if c.jsonOut {
						return c.printer().JSON(t)
					}
					c.printer().ChainTasks([]chain.OnChainTask{t})
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare the mirror with the chain without changing anything",
		Long: `check reports missing tasks, missing contact keys, missing helper keys,
orphans beyond the task counter and placeholder metadata. It exits 1 when
anything is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				rep, err := env.coord.Inspect(ctx)
				if err != nil {
					return err
				}
				if !rep.OK() {
					c.exitCode = 1
				}
				if c.jsonOut {
					return c.printer().JSON(rep)
				}
				c.printer().Inspection(rep)
				return nil
			})
		},
	}
}

func (c *cli) syncCommand() *cobra.Command {
	var taskID uint64
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror tasks missing from the database",
		Long: `sync walks task ids 1..taskCounter and creates every missing task or
contact key. With --task only that task is reconciled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				if taskID > 0 {
					outcome, err := env.coord.SyncTaskFromChain(ctx, taskID, reconcile.SourceManual)
					if err != nil {
						return fmt.Errorf("sync task %d: %w", taskID, err)
					}
					if c.jsonOut {
						return c.printer().JSON(map[string]any{"task_id": taskID, "outcome": outcome})
					}
					fmt.Fprintf(c.stdout, "task %d: %s\n", taskID, outcome)
					return nil
				}
				res, err := env.coord.SyncMissing(ctx, reconcile.SourceManual)
				if err != nil {
					return err
				}
				return c.printRun(res)
			})
		},
	}
	cmd.Flags().Uint64Var(&taskID, "task", 0, "reconcile a single task id")
	return cmd
}

func (c *cli) fixHelperKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-helper-keys",
		Short: "Wrap the DEK for helpers of accepted tasks that lack one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				res, err := env.coord.FixMissingHelperKeys(ctx)
				if err != nil {
					return err
				}
				return c.printRun(res)
			})
		},
	}
}

func (c *cli) printRun(res reconcile.RunResult) error {
	if res.Failed > 0 {
		c.exitCode = 1
	}
	if c.jsonOut {
		return c.printer().JSON(res)
	}
	c.printer().Run(res)
	return nil
}

func (c *cli) cleanOrphansCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "clean-orphans",
		Short: "Delete mirror rows whose task id exceeds the task counter",
		Long: `clean-orphans lists tasks and contact keys above the on-chain task
counter. Nothing is deleted without --apply.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				ids, err := env.coord.CleanOrphans(ctx, apply)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printer().JSON(map[string]any{"orphans": ids, "applied": apply})
				}
				switch {
				case len(ids) == 0:
					fmt.Fprintln(c.stdout, "no orphans found")
				case apply:
					fmt.Fprintf(c.stdout, "deleted %d orphan task(s): %v\n", len(ids), ids)
				default:
					fmt.Fprintf(c.stdout, "found %d orphan task(s): %v\nrerun with --apply to delete them\n", len(ids), ids)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "delete the orphans")
	return cmd
}

func (c *cli) resyncMetadataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resync-metadata",
		Short: "Refresh task titles and descriptions from their taskURI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				res, err := env.coord.ResyncMetadata(ctx)
				if err != nil {
					return err
				}
				if res.Failed > 0 {
					c.exitCode = 1
				}
				if c.jsonOut {
					return c.printer().JSON(res)
				}
				c.printer().Metadata(res)
				return nil
			})
		},
	}
}
