package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/meetsync/internal/api"
	"github.com/kimhsiao/meetsync/internal/config"
	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
	"github.com/kimhsiao/meetsync/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "meetsync",
		Short:         "Offline-first sync engine for meeting records",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (YAML); MEETSYNC_* environment variables override it")

	// withApp opens the composition root for the duration of one command.
	withApp := func(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return fn(cmd, args, a)
		}
	}

	root.AddCommand(
		newRunCmd(withApp),
		newSyncCmd(withApp),
		newStatusCmd(withApp),
		newEnqueueCmd(withApp),
		newQueueCmd(withApp),
		newDeadLetterCmd(withApp),
		newConflictsCmd(withApp),
		newPullCmd(withApp),
	)
	return root
}

type appRunner func(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// =====================================================
// run
// =====================================================

func newRunCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and the local API until interrupted",
		Long: `Run starts background sweeps (on enqueue, on reconnect and every
sync.interval) and, when api.enabled is set, the local HTTP/WebSocket API
with Prometheus metrics on /metrics. Config file changes to the log level
and conflict strategy apply without a restart.`,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, a)
		}),
	}
}

func runDaemon(ctx context.Context, a *app) error {
	metrics := telemetry.New(a.engine)
	a.engine.AddEventHandler(metrics)

	a.loader.Watch(func(cfg *config.Config) {
		if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
			logging.SetLevel(level)
		}
		if err := a.engine.SetConflictStrategy(cfg.Strategy()); err != nil {
			logging.Warn("Failed to apply conflict strategy", map[string]interface{}{"error": err.Error()})
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	a.engine.Start(gctx)
	logging.Info("meetsync started",
		map[string]interface{}{
			"version":              Version,
			"data_dir":             a.cfg.DataDir,
			"connector_configured": a.engine.ConnectorConfigured(),
			"strategy":             string(a.engine.ConflictStrategy()),
		})

	if a.cfg.API.Enabled {
		server := api.NewServer(a.engine, api.Options{
			Listen:  a.cfg.API.Listen,
			Metrics: metrics.Handler(),
		})
		a.engine.AddEventHandler(server.Hub())
		g.Go(func() error { return server.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.engine.Stop()
		logging.Info("meetsync stopped")
		return nil
	})

	return g.Wait()
}

// =====================================================
// sync / status / pull
// =====================================================

func newSyncCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sweep now and print its outcome",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			result, err := a.engine.ForceSync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	}
}

func newStatusCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue and connectivity status",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			a.engine.SetOnline(a.engine.Probe(cmd.Context()))
			status, err := a.engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		}),
	}
}

func newPullCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <collection>",
		Short: "Refresh last-known remote state for a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			n, err := a.engine.Pull(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %d record(s) in %s\n", n, args[0])
			return nil
		}),
	}
}

// =====================================================
// enqueue / queue
// =====================================================

func newEnqueueCmd(withApp appRunner) *cobra.Command {
	var (
		payload      string
		localVersion int64
	)

	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <collection> <record-id>",
		Short: "Queue a mutation for sync",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			var data map[string]interface{}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &data); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "payload must be a JSON object", err)
				}
			}

			item, err := a.engine.EnqueueRecord(cmd.Context(), models.OperationType(args[0]), args[1], models.SyncRecord{
				ID:           args[2],
				Payload:      data,
				LocalVersion: localVersion,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		}),
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "record payload as a JSON object")
	cmd.Flags().Int64Var(&localVersion, "local-version", 0, "local version of the record")
	return cmd
}

func newQueueCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the pending queue",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending items in FIFO order",
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				items, err := a.engine.ListQueue(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop every pending item",
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				n, err := a.engine.ClearQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d item(s)\n", n)
				return nil
			}),
		},
	)
	return cmd
}

// =====================================================
// dead-letter
// =====================================================

func newDeadLetterCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect or replay permanently failed items",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List dead-lettered items",
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				entries, err := a.engine.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}),
		},
		&cobra.Command{
			Use:   "retry [item-id]",
			Short: "Requeue one dead-lettered item, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				if len(args) == 1 {
					if _, err := a.engine.RetryDeadLetter(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Requeued 1 item(s)")
					return nil
				}
				n, err := a.engine.RetryDeadLettered(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d item(s)\n", n)
				return nil
			}),
		},
	)
	return cmd
}

// =====================================================
// conflicts
// =====================================================

func newConflictsCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicts held for manual resolution",
	}

	var payload string
	resolve := &cobra.Command{
		Use:   "resolve <item-id> <local_wins|remote_wins|merged>",
		Short: "Record a decision; the next sweep applies it",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			resolution := models.Resolution{Decision: models.Decision(args[1])}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &resolution.Payload); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "payload must be a JSON object", err)
				}
			}
			if err := a.engine.ResolveConflict(cmd.Context(), args[0], resolution); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s\n", resolution.Decision, args[0])
			return nil
		}),
	}
	resolve.Flags().StringVarP(&payload, "payload", "p", "", "merged payload as a JSON object")

	var limit int
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show recently resolved conflicts",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			logs, err := a.engine.ConflictLogs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), logs)
		}),
	}
	logCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conflicts waiting for a decision",
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				reports, err := a.engine.PendingConflicts(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), reports)
			}),
		},
		resolve,
		logCmd,
	)
	return cmd
}
