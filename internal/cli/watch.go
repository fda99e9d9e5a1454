package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/agentworkforce/recordsync/internal/changefeed"
	"github.com/agentworkforce/recordsync/internal/handoff"
	"github.com/agentworkforce/recordsync/internal/outbox"
	"github.com/agentworkforce/recordsync/internal/portal"
	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep collections in step and print every change",
		Long:  "Activates the named collections, prints a JSON snapshot line on every change and tears the views down on SIGINT/SIGTERM.",
		RunE:  runWatch,
	}
	cmd.Flags().StringSliceP("collection", "c", []string{string(portal.Notifications)}, "collections to watch")
	cmd.Flags().String("changes-url", "", "websocket URL pushing change hints (default: $JOBSYNC_CHANGES_URL)")
	cmd.Flags().String("inbox", "", "hand-off inbox directory (default: $JOBSYNC_INBOX)")
	cmd.Flags().Bool("once", false, "refresh once, print the snapshots and exit")
	return cmd
}

// snapshotLine is one printed change.
type snapshotLine struct {
	Collection recordsync.Kind     `json:"collection"`
	Records    []recordsync.Record `json:"records"`
}

type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, string(b))
}

// session is a running portal with its remote and outbox.
type session struct {
	settings settings
	portal   *portal.Portal
	outbox   outbox.Queue
}

func openSession(cmd *cobra.Command, onChange func(recordsync.Kind, []recordsync.Record)) (*session, error) {
	s := loadSettings(cmd)
	if strings.TrimSpace(s.OwnerID) == "" {
		return nil, errors.New("owner is required (--owner or JOBSYNC_OWNER)")
	}
	q, err := s.openOutbox()
	if err != nil {
		return nil, err
	}
	logger := log.Default()
	p, err := portal.New(portal.Options{
		OwnerID:        s.OwnerID,
		Remote:         s.remoteClient(),
		Outbox:         &outbox.Recorder{Queue: q},
		Logger:         logger,
		PollInterval:   s.PollInterval,
		PollJitter:     s.PollJitter,
		CommandTimeout: s.CommandTimeout,
		UndoGrace:      s.UndoGrace,
		Reporter: func(f recordsync.Failure) {
			logger.Printf("%s %s/%s failed: %v", f.Command, f.Collection, f.RecordID, f.Err)
		},
		OnChange: onChange,
	})
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	return &session{settings: s, portal: p, outbox: q}, nil
}

func (s *session) close() {
	s.portal.Deactivate()
	_ = s.outbox.Close()
}

// activate starts kinds and waits for their first fetch.
func (s *session) activate(ctx context.Context, kinds []recordsync.Kind) error {
	if err := s.portal.Activate(kinds...); err != nil {
		return err
	}
	for _, kind := range kinds {
		engine, _ := s.portal.Engine(kind)
		// A discarded result means a newer fetch already landed.
		if err := engine.RefreshNow(ctx); err != nil && !errors.Is(err, recordsync.ErrStaleDiscarded) {
			return fmt.Errorf("refresh %s: %w", kind, err)
		}
	}
	return nil
}

func parseKinds(raw []string) []recordsync.Kind {
	kinds := make([]recordsync.Kind, 0, len(raw))
	seen := make(map[recordsync.Kind]bool, len(raw))
	for _, value := range raw {
		kind := recordsync.Kind(strings.TrimSpace(value))
		if kind == "" || seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds
}

func runWatch(cmd *cobra.Command, args []string) error {
	rawKinds, _ := cmd.Flags().GetStringSlice("collection")
	changesURL, _ := cmd.Flags().GetString("changes-url")
	inboxDir, _ := cmd.Flags().GetString("inbox")
	once, _ := cmd.Flags().GetBool("once")
	if !cmd.Flags().Changed("changes-url") {
		changesURL = strings.TrimSpace(os.Getenv("JOBSYNC_CHANGES_URL"))
	}
	if !cmd.Flags().Changed("inbox") {
		inboxDir = strings.TrimSpace(os.Getenv("JOBSYNC_INBOX"))
	}
	kinds := parseKinds(rawKinds)
	if len(kinds) == 0 {
		return errors.New("at least one collection is required")
	}

	out := &lineWriter{out: cmd.OutOrStdout()}
	var onChange func(recordsync.Kind, []recordsync.Record)
	if !once {
		onChange = func(kind recordsync.Kind, records []recordsync.Record) {
			out.write(snapshotLine{Collection: kind, Records: records})
		}
	}
	sess, err := openSession(cmd, onChange)
	if err != nil {
		return err
	}
	defer sess.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.activate(ctx, kinds); err != nil {
		return err
	}
	if once {
		for _, kind := range kinds {
			engine, _ := sess.portal.Engine(kind)
			out.write(snapshotLine{Collection: kind, Records: engine.Snapshot()})
		}
		return nil
	}

	var wg sync.WaitGroup
	if changesURL != "" {
		targets := make([]changefeed.Target, 0, len(kinds))
		for _, kind := range kinds {
			engine, _ := sess.portal.Engine(kind)
			targets = append(targets, engine)
		}
		sub, err := changefeed.NewSubscriber(changefeed.Options{
			URL:     changesURL,
			Token:   sess.settings.Token,
			Targets: targets,
			Logger:  log.Default(),
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sub.Run(ctx)
		}()
	}
	if inboxDir != "" {
		mergers := make([]handoff.Merger, 0, len(kinds))
		for _, kind := range kinds {
			engine, _ := sess.portal.Engine(kind)
			mergers = append(mergers, engine)
		}
		inbox, err := handoff.NewInbox(inboxDir, mergers, log.Default())
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inbox.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("inbox watch stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	log.Printf("watch stopping: %v", ctx.Err())
	return nil
}
