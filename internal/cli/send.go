package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <collection> <command> [id]",
		Short: "Issue one command against the current list",
		Long:  "Loads the collection, applies the command optimistically and waits for the backend. Failed destructive commands land in the outbox.",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runSend,
	}
	cmd.Flags().Bool("all", false, "issue the command on every record in the list")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	kind := recordsync.Kind(strings.TrimSpace(args[0]))
	command := recordsync.CommandKind(strings.TrimSpace(args[1]))
	all, _ := cmd.Flags().GetBool("all")
	id := ""
	if len(args) == 3 {
		id = strings.TrimSpace(args[2])
	}
	if (id == "") == !all {
		return errors.New("exactly one of an id or --all is required")
	}

	sess, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer sess.close()
	if err := sess.activate(cmd.Context(), []recordsync.Kind{kind}); err != nil {
		return err
	}
	engine, _ := sess.portal.Engine(kind)

	if all {
		if err := engine.MutateAll(cmd.Context(), command, func(recordsync.Record) bool { return true }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s applied to %s\n", command, kind)
		return nil
	}
	completion, err := engine.Mutate(cmd.Context(), id, command, nil)
	if err != nil {
		return err
	}
	if err := completion.Wait(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s\n", command, kind, id)
	return nil
}
