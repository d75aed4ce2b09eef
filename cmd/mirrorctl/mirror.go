package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
)

const cliActor = "mirrorctl"

// withMirror opens the mirror for a one-shot command. Logs go to the log
// file only so stdout stays a clean report.
func (c *cli) withMirror(cmd *cobra.Command, fn func(ctx context.Context, env *mirrorEnv) error) error {
	ctx := cmd.Context()
	env, err := c.open(ctx, openOptions{actor: cliActor, quiet: true})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func parseTaskID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid task id %q: want a positive integer", s)
	}
	return id, nil
}

func (c *cli) tasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect mirrored tasks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List mirrored tasks of the configured chain",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					tasks, err := env.store.ListTasks(ctx, env.chainID)
					if err != nil {
						return err
					}
					if c.jsonOut {
						return c.printer().JSON(tasks)
					}
					c.printer().Tasks(tasks)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one mirrored task and its contact key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseTaskID(args[0])
				if err != nil {
					return err
				}
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					taskID := strconv.FormatUint(id, 10)
					task, err := env.store.GetTask(ctx, env.chainID, taskID)
					if errors.Is(err, persistence.ErrNotFound) {
						return fmt.Errorf("task %s is not in the mirror for chain %s", taskID, env.chainID)
					}
					if err != nil {
						return err
					}
					key, err := env.store.GetContactKey(ctx, env.chainID, taskID)
					if err != nil && !errors.Is(err, persistence.ErrNotFound) {
						return err
					}
					if c.jsonOut {
						return c.printer().JSON(struct {
							Task       *persistence.Task       `json:"task"`
							ContactKey *persistence.ContactKey `json:"contact_key,omitempty"`
						}{task, key})
					}
					c.printer().Task(*task, key)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "search <text>",
			Short: "Search task titles and descriptions",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				text := strings.Join(args, " ")
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					tasks, err := env.store.SearchTasks(ctx, env.chainID, text)
					if err != nil {
						return err
					}
					if c.jsonOut {
						return c.printer().JSON(tasks)
					}
					c.printer().Tasks(tasks)
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) profilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect user profiles",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					profiles, err := env.store.ListProfiles(ctx)
					if err != nil {
						return err
					}
					if c.jsonOut {
						return c.printer().JSON(profiles)
					}
					c.printer().Profiles(profiles)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <address>",
			Short: "Show one profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					profile, err := env.store.GetProfile(ctx, args[0])
					if errors.Is(err, persistence.ErrNotFound) {
						return fmt.Errorf("no profile for %s", args[0])
					}
					if err != nil {
						return err
					}
					if c.jsonOut {
						return c.printer().JSON(profile)
					}
					c.printer().Profile(*profile)
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) keysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect wrapped contact keys",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List contact keys of the configured chain",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
					keys, err := env.store.ListContactKeys(ctx, env.chainID)
					if err != nil {
						return err
					}
					if c.jsonOut {
						return c.printer().JSON(keys)
					}
					c.printer().Keys(keys)
					return nil
				})
			},
		},
		c.keysVerifyCommand(),
	)
	return cmd
}

// keyCheck is the result of keys verify.
type keyCheck struct {
	TaskID   string `json:"task_id"`
	Role     string `json:"role"`
	Contacts string `json:"contacts,omitempty"`
}

func (c *cli) keysVerifyCommand() *cobra.Command {
	var secret string
	var reveal bool
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Check that a secret key unwraps a task's DEK and decrypts its contacts",
		Long: `verify unwraps the creator or helper DEK of a task with the given X25519
secret key (hex) and decrypts the task's contacts payload with it. The
plaintext is printed only with --reveal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret is required")
			}
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				res, err := verifyContactKey(ctx, env.store, env.chainID, strconv.FormatUint(id, 10), secret)
				if err != nil {
					return err
				}
				if !reveal {
					res.Contacts = ""
				}
				if c.jsonOut {
					return c.printer().JSON(res)
				}
				fmt.Fprintf(c.stdout, "task %s: secret unwraps the %s key and decrypts the contacts\n", res.TaskID, res.Role)
				if reveal {
					fmt.Fprintf(c.stdout, "contacts: %s\n", res.Contacts)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "X25519 secret key (hex)")
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the decrypted contacts")
	return cmd
}

func verifyContactKey(ctx context.Context, store *persistence.Store, chainID, taskID, secret string) (keyCheck, error) {
	res := keyCheck{TaskID: taskID}
	task, err := store.GetTask(ctx, chainID, taskID)
	if err != nil {
		return res, fmt.Errorf("task %s: %w", taskID, err)
	}
	key, err := store.GetContactKey(ctx, chainID, taskID)
	if err != nil {
		return res, fmt.Errorf("contact key %s: %w", taskID, err)
	}
	if !sealing.LooksEncrypted(task.ContactsEncryptedPayload) {
		return res, fmt.Errorf("task %s: contacts payload is not encrypted", taskID)
	}

	candidates := []struct{ role, wrapped string }{
		{"creator", key.CreatorWrappedDEK},
		{"helper", key.HelperWrappedDEK},
	}
	for _, cand := range candidates {
		if cand.wrapped == "" {
			continue
		}
		dek, err := sealing.UnwrapDEK(cand.wrapped, secret)
		if err != nil {
			continue
		}
		plain, err := sealing.DecryptContacts(task.ContactsEncryptedPayload, dek)
		if err != nil {
			return res, fmt.Errorf("task %s: %s DEK unwrapped but contacts did not decrypt: %w", taskID, cand.role, err)
		}
		res.Role = cand.role
		res.Contacts = plain
		return res, nil
	}
	return res, fmt.Errorf("task %s: secret key does not unwrap any wrapped DEK", taskID)
}

func (c *cli) runsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				runs, err := env.store.ListSyncRuns(ctx, env.chainID, limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printer().JSON(runs)
				}
				c.printer().SyncRuns(runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func (c *cli) backupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the mirror database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return c.withMirror(cmd, func(ctx context.Context, env *mirrorEnv) error {
				if err := env.store.Backup(ctx, dest); err != nil {
					return err
				}
				audit.Record(ctx, cliActor, audit.ActionBackup, dest, "")
				fmt.Fprintf(c.stdout, "backup written to %s\n", dest)
				return nil
			})
		},
	}
}
