// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lxd360/go-xapisync/lrs"
	"github.com/lxd360/go-xapisync/resolve"
	"github.com/lxd360/go-xapisync/xapiqueue"
	"github.com/lxd360/go-xapisync/xapisync"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync loop: drain the local statement queue to the configured
record store, backing off on transient failures and resolving conflicts
with the score-preserving policy. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and last sync time for the tenant",
	RunE:  runStatus,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <statement.json>",
	Short: "Enqueue a statement payload from a file (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and resurrect dead-lettered statements",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered statements",
	RunE:  runDeadletterList,
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue <statement-id>",
	Short: "Move a dead-lettered statement back into the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadletterRequeue,
}

func init() {
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)
}

// openQueue builds an initialized queue manager from the configured store
// path. The caller owns the store lifecycle.
func openQueue(ctx context.Context) (*xapiqueue.Manager, error) {
	if err := requireSettings("store", "tenant"); err != nil {
		return nil, err
	}

	logger := newLogger()
	store := xapiqueue.NewStore(viper.GetString("store"), logger)

	cfg := xapiqueue.DefaultConfig()
	if lease := viper.GetDuration("lease"); lease > 0 {
		cfg.LeaseDuration = lease
	}

	queue := xapiqueue.NewManager(store, cfg, logger)
	if err := queue.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return queue, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := requireSettings("endpoint"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer queue.Store().Close()

	logger := newLogger()
	tenant := viper.GetString("tenant")

	cfg := xapisync.DefaultConfig(viper.GetString("endpoint"), tenant)
	if bs := viper.GetInt("batch_size"); bs > 0 {
		cfg.BatchSize = bs
	}
	if iv := viper.GetDuration("interval"); iv > 0 {
		cfg.Interval = iv
	}

	var token xapisync.TokenFunc
	if secret := viper.GetString("secret"); secret != "" {
		meta, err := queue.Metadata(ctx, tenant)
		if err != nil {
			return err
		}
		token = lrs.NewDeviceTokenSource([]byte(secret), tenant, meta.DeviceID).Token
	}

	service, err := xapisync.New(queue, &resolve.ScorePreservingResolver{}, nil, token, cfg, logger)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}

	logger.Info("sync daemon started", "endpoint", cfg.Endpoint, "tenant", tenant)
	<-ctx.Done()
	service.Stop()
	logger.Info("sync daemon stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	queue, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer queue.Store().Close()

	tenant := viper.GetString("tenant")
	depth, err := queue.Depth(ctx, tenant)
	if err != nil {
		return err
	}
	failed, err := queue.Failed(ctx, tenant)
	if err != nil {
		return err
	}
	meta, err := queue.Metadata(ctx, tenant)
	if err != nil {
		return err
	}

	fmt.Printf("tenant:       %s\n", tenant)
	fmt.Printf("device:       %s\n", meta.DeviceID)
	fmt.Printf("queue depth:  %d\n", depth)
	fmt.Printf("dead letters: %d\n", len(failed))
	if meta.LastSyncedAt != nil {
		fmt.Printf("last synced:  %s\n", meta.LastSyncedAt)
	} else {
		fmt.Printf("last synced:  never\n")
	}
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var payload []byte
	var err error
	if args[0] == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read statement payload: %w", err)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	queue, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer queue.Store().Close()

	stmt, err := queue.Enqueue(ctx, viper.GetString("tenant"), payload, "")
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s (sequence %d)\n", stmt.ID, stmt.Sequence)
	return nil
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	queue, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer queue.Store().Close()

	failed, err := queue.Failed(ctx, viper.GetString("tenant"))
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Println("no dead-lettered statements")
		return nil
	}
	for _, f := range failed {
		fmt.Printf("%s  attempts=%d  dead-lettered=%s  reason=%s\n",
			f.StatementID, f.AttemptCount, f.DeadLetteredAt.Format("2006-01-02 15:04:05"), f.FailureReason)
	}
	return nil
}

func runDeadletterRequeue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	queue, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer queue.Store().Close()

	stmt, err := queue.RequeueFailed(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("requeued %s (sequence %d)\n", stmt.ID, stmt.Sequence)
	return nil
}
