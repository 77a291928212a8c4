package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/internal/feedwire"
	"github.com/canopyide/termflow/schema"
)

func newHostCmd() *cobra.Command {
	var feedURL string
	var hostName string
	var sessionID string
	var sessionName string
	var dir string
	var env []string
	var cols, rows int
	var tierName string
	var replayBytes int
	var pushWindow int
	cmd := &cobra.Command{
		Use:   "host --feed <url> [flags] -- command [args...]",
		Short: "Run a session on this machine and stream it to a daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			if strings.TrimSpace(feedURL) == "" {
				return errors.New("--feed is required")
			}
			tier := schema.TierBackground
			if strings.TrimSpace(tierName) != "" {
				parsed, err := schema.ParseTier(tierName)
				if err != nil {
					return err
				}
				tier = parsed
			}
			envMap, err := parseEnvPairs(env)
			if err != nil {
				return err
			}
			id := schema.SessionID(sessionID)
			if id == "" {
				id = schema.SessionID(uuid.NewString())
			}
			if cols <= 0 || rows <= 0 {
				if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					cols, rows = w, h
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := feedwire.Dial(ctx, feedwire.ClientConfig{
				URL:         feedURL,
				Host:        hostName,
				ReplayBytes: replayBytes,
				PushWindow:  pushWindow,
			}, logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			// The pump must run before Announce; the daemon's launch
			// reply arrives on it.
			runErr := make(chan error, 1)
			go func() { runErr <- client.Run(ctx) }()

			announceCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			req := schema.CreateSessionRequest{
				SessionID: id,
				Name:      sessionName,
				Command:   args[0],
				Args:      args[1:],
				Dir:       dir,
				Env:       envMap,
				Geometry:  schema.Geometry{Cols: cols, Rows: rows},
				Tier:      tier,
			}
			if err := client.Announce(announceCtx, req); err != nil {
				return fmt.Errorf("announce session: %w", err)
			}
			logger.Info("host session announced", "session", id, "command", args[0], "tier", tier.String())

			err = <-runErr
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("host link closed")
			return nil
		},
	}
	cmd.Flags().StringVar(&feedURL, "feed", "", "daemon feed endpoint, e.g. ws://127.0.0.1:27430/feed")
	cmd.Flags().StringVar(&hostName, "name", "", "host name announced to the daemon (defaults to hostname)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to a generated id)")
	cmd.Flags().StringVar(&sessionName, "session-name", "", "session display name")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the command")
	cmd.Flags().StringArrayVar(&env, "env", nil, "extra environment entries as KEY=VALUE")
	cmd.Flags().IntVar(&cols, "cols", 0, "initial columns (defaults to the local terminal)")
	cmd.Flags().IntVar(&rows, "rows", 0, "initial rows (defaults to the local terminal)")
	cmd.Flags().StringVar(&tierName, "tier", "background", "initial rendering tier")
	cmd.Flags().IntVar(&replayBytes, "replay-bytes", 0, "per-session replay buffer size")
	cmd.Flags().IntVar(&pushWindow, "push-window", 0, "unacked output window before the stream pauses")
	return cmd
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}
