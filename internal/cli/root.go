// Package cli implements the jobsync commands.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/recordsync/internal/outbox"
	"github.com/agentworkforce/recordsync/internal/portal"
	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/agentworkforce/recordsync/internal/remote"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Execute loads .env and runs the root command.
func Execute() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "jobsync",
		Short:        "Keep job-portal lists in step with the backend",
		Long:         "Polls job-portal collections, applies commands optimistically and keeps failed destructive commands for retry.",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.String("base-url", "", "backend base URL (default: $JOBSYNC_BASE_URL or http://127.0.0.1:8000)")
	flags.String("token", "", "bearer token (default: $JOBSYNC_TOKEN)")
	flags.String("owner", "", "signed-in user id (default: $JOBSYNC_OWNER)")
	flags.String("outbox", "", "failed-command outbox DSN (default: $JOBSYNC_OUTBOX or ~/.jobsync/outbox.json)")
	flags.Int("outbox-capacity", 0, "outbox capacity (default: $JOBSYNC_OUTBOX_CAPACITY or 1024)")
	flags.Duration("poll-interval", 0, "poll interval (default: $JOBSYNC_POLL_INTERVAL or 5s)")
	flags.Float64("poll-jitter", 0, "poll interval jitter ratio 0.0-1.0 (default: $JOBSYNC_POLL_JITTER or 0.2)")
	flags.Duration("timeout", 0, "per-command timeout (default: $JOBSYNC_COMMAND_TIMEOUT or 15s)")
	flags.Duration("undo-grace", 0, "undo window for deletes (default: $JOBSYNC_UNDO_GRACE or 4s)")

	root.AddCommand(newWatchCmd(), newOutboxCmd(), newCreateCmd(), newSendCmd())
	return root
}

type settings struct {
	BaseURL        string
	Token          string
	OwnerID        string
	OutboxDSN      string
	OutboxCapacity int
	PollInterval   time.Duration
	PollJitter     float64
	CommandTimeout time.Duration
	UndoGrace      time.Duration
}

// loadSettings resolves each setting from its flag, then JOBSYNC_* env, then
// the built-in default.
func loadSettings(cmd *cobra.Command) settings {
	flags := cmd.Flags()
	s := settings{
		BaseURL:        envOrDefault("JOBSYNC_BASE_URL", "http://127.0.0.1:8000"),
		Token:          strings.TrimSpace(os.Getenv("JOBSYNC_TOKEN")),
		OwnerID:        strings.TrimSpace(os.Getenv("JOBSYNC_OWNER")),
		OutboxDSN:      envOrDefault("JOBSYNC_OUTBOX", defaultOutboxPath()),
		OutboxCapacity: intEnv("JOBSYNC_OUTBOX_CAPACITY", 1024),
		PollInterval:   durationEnv("JOBSYNC_POLL_INTERVAL", recordsync.DefaultPollInterval),
		PollJitter:     floatEnv("JOBSYNC_POLL_JITTER", 0.2),
		CommandTimeout: durationEnv("JOBSYNC_COMMAND_TIMEOUT", recordsync.DefaultCommandTimeout),
		UndoGrace:      durationEnv("JOBSYNC_UNDO_GRACE", recordsync.DefaultUndoGrace),
	}
	if flags.Changed("base-url") {
		s.BaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("token") {
		s.Token, _ = flags.GetString("token")
	}
	if flags.Changed("owner") {
		s.OwnerID, _ = flags.GetString("owner")
	}
	if flags.Changed("outbox") {
		s.OutboxDSN, _ = flags.GetString("outbox")
	}
	if flags.Changed("outbox-capacity") {
		s.OutboxCapacity, _ = flags.GetInt("outbox-capacity")
	}
	if flags.Changed("poll-interval") {
		s.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("poll-jitter") {
		s.PollJitter, _ = flags.GetFloat64("poll-jitter")
	}
	if flags.Changed("timeout") {
		s.CommandTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("undo-grace") {
		s.UndoGrace, _ = flags.GetDuration("undo-grace")
	}
	if s.PollInterval <= 0 {
		s.PollInterval = recordsync.DefaultPollInterval
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = recordsync.DefaultCommandTimeout
	}
	if s.UndoGrace <= 0 {
		s.UndoGrace = recordsync.DefaultUndoGrace
	}
	s.PollJitter = clampJitterRatio(s.PollJitter)
	return s
}

func (s settings) remoteClient() *remote.HTTPClient {
	return remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL:    s.BaseURL,
		Token:      s.Token,
		HTTPClient: &http.Client{Timeout: s.CommandTimeout},
		Routes:     portal.Routes(),
		Validators: portal.Validators(),
	})
}

func (s settings) openOutbox() (outbox.Queue, error) {
	q, err := outbox.Open(s.OutboxDSN, s.OutboxCapacity)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if q == nil {
		return nil, errors.New("outbox is not configured (--outbox or JOBSYNC_OUTBOX)")
	}
	return q, nil
}

func defaultOutboxPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".jobsync", "outbox.json")
	}
	return filepath.Join(home, ".jobsync", "outbox.json")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
