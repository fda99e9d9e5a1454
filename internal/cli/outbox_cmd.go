package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/recordsync/internal/outbox"
	"github.com/spf13/cobra"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect, retry or abandon failed destructive commands",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List failed commands",
		RunE:  runOutboxList,
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Resend failed commands",
		Long:  "Resends the command with --id, or every queued command when --id is omitted. Commands that fail again stay queued.",
		RunE:  runOutboxRetry,
	}
	retry.Flags().String("id", "", "outbox item id (default: all)")

	abandon := &cobra.Command{
		Use:   "abandon",
		Short: "Drop a failed command without resending it",
		RunE:  runOutboxAbandon,
	}
	abandon.Flags().String("id", "", "outbox item id")
	abandon.Flags().Bool("all", false, "drop every queued command")

	cmd.AddCommand(list, retry, abandon)
	return cmd
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	q, err := loadSettings(cmd).openOutbox()
	if err != nil {
		return err
	}
	defer q.Close()

	b, _ := json.MarshalIndent(q.Snapshot(), "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	s := loadSettings(cmd)
	q, err := s.openOutbox()
	if err != nil {
		return err
	}
	defer q.Close()

	client := s.remoteClient()
	if id = strings.TrimSpace(id); id != "" {
		item, err := outbox.Retry(cmd.Context(), q, client, id)
		if err != nil {
			return fmt.Errorf("retry %s: %w", id, err)
		}
		printSent(cmd, item)
		return nil
	}
	sent, err := outbox.RetryAll(cmd.Context(), q, client)
	for _, item := range sent {
		printSent(cmd, item)
	}
	return err
}

func printSent(cmd *cobra.Command, item outbox.Item) {
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s %s/%s\n", item.Command, item.Collection, item.RecordID)
}

func runOutboxAbandon(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	all, _ := cmd.Flags().GetBool("all")
	id = strings.TrimSpace(id)
	if id == "" && !all {
		return errors.New("--id or --all is required")
	}
	q, err := loadSettings(cmd).openOutbox()
	if err != nil {
		return err
	}
	defer q.Close()

	ids := []string{id}
	if all {
		ids = ids[:0]
		for _, item := range q.Snapshot() {
			ids = append(ids, item.ID)
		}
	}
	var errs []error
	for _, itemID := range ids {
		item, err := outbox.Abandon(q, itemID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "abandoned %s %s/%s\n", item.Command, item.Collection, item.RecordID)
	}
	return errors.Join(errs...)
}
