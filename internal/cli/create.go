package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentworkforce/recordsync/internal/handoff"
	"github.com/agentworkforce/recordsync/internal/portal"
	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/spf13/cobra"
)

var createKinds = map[string]recordsync.Kind{
	"interview":   portal.Interviews,
	"application": portal.Applications,
	"job":         portal.Jobs,
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "create interview|application|job",
		Short:     "Create a record and hand it to the watching view",
		Long:      "Validates and sends a create payload. The created record is written to the hand-off inbox so a running watch shows it at once.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"interview", "application", "job"},
		RunE:      runCreate,
	}
	cmd.Flags().StringP("payload", "p", "", "JSON payload (required)")
	cmd.Flags().String("inbox", "", "hand-off inbox directory (default: $JOBSYNC_INBOX)")
	cmd.MarkFlagRequired("payload")
	return cmd
}

func runCreate(cmd *cobra.Command, args []string) error {
	kind, ok := createKinds[strings.ToLower(strings.TrimSpace(args[0]))]
	if !ok {
		return fmt.Errorf("cannot create %q", args[0])
	}
	raw, _ := cmd.Flags().GetString("payload")
	inboxDir, _ := cmd.Flags().GetString("inbox")
	if !cmd.Flags().Changed("inbox") {
		inboxDir = strings.TrimSpace(os.Getenv("JOBSYNC_INBOX"))
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("invalid --payload: %w", err)
	}
	created, err := loadSettings(cmd).remoteClient().CreateRecord(cmd.Context(), kind, payload)
	if err != nil {
		return err
	}
	// Some endpoints answer with a bare acknowledgement; fall back to what was
	// sent so the view still has something to show.
	record := created
	if len(record) == 0 {
		record = payload
	}
	if inboxDir != "" {
		if _, err := handoff.Write(inboxDir, handoff.Envelope{Collection: kind, Record: record}); err != nil {
			return fmt.Errorf("hand-off: %w", err)
		}
	}
	b, _ := json.MarshalIndent(record, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
