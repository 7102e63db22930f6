package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ccme-project/ccme/internal/ccme/snapshotstore"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect the snapshot store",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots for a session",
	RunE:  runSnapshotList,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd)

	snapshotCmd.PersistentFlags().String("snapshot-dir", "./ccme-snapshots", "directory for the file-backed snapshot store")
	snapshotListCmd.Flags().String("session", "default", "session id")
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("snapshot-dir")
	sessionID, _ := cmd.Flags().GetString("session")

	store := snapshotstore.NewFileBlobStore(dir)
	metas, err := store.List(context.Background(), sessionID)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	if len(metas) == 0 {
		color.Yellow("No snapshots found for session %s", sessionID)
		return nil
	}

	color.Cyan("%-36s  %-24s  %-10s  %s", "ID", "CREATED", "TAG", "SIZE")
	for _, meta := range metas {
		fmt.Printf("%-36s  %-24s  %-10s  %d bytes\n", meta.ID, meta.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), meta.Tag, meta.SizeBytes)
	}
	return nil
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Print a stored snapshot's message and checkpoint counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotShow,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Promote a stored snapshot to a new, tagged current snapshot",
	Long: `Restore re-stores an older snapshot's content under a fresh id
tagged "restored", without requiring a running ccmectl serve process.
A running session picks up the restored state the next time it calls
RestoreSnapshot against the new id.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotRestore,
}

func init() {
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("snapshot-dir")
	store := snapshotstore.NewFileBlobStore(dir)
	ctx := context.Background()

	original, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get snapshot: %w", err)
	}

	restored := original
	restored.ID = uuid.NewString()
	restored.Tag = "restored"
	restored.CreatedAt = time.Now()

	if err := store.Put(ctx, restored.SessionID, restored.ID, restored); err != nil {
		return fmt.Errorf("put restored snapshot: %w", err)
	}

	color.Green("Restored %s as new snapshot %s (session %s)", args[0], restored.ID, restored.SessionID)
	return nil
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("snapshot-dir")
	store := snapshotstore.NewFileBlobStore(dir)

	blob, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("get snapshot: %w", err)
	}

	fmt.Printf("id:           %s\n", blob.ID)
	fmt.Printf("session:      %s\n", blob.SessionID)
	fmt.Printf("created:      %s\n", blob.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("tag:          %s\n", blob.Tag)
	fmt.Printf("messages:     %d\n", len(blob.Context.Messages))
	fmt.Printf("checkpoints:  %d\n", len(blob.Context.Checkpoints))
	return nil
}
