package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/canopyide/termflow/internal/format"
	"github.com/canopyide/termflow/schema"
)

func newSessionsCmd() *cobra.Command {
	var apiBase string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions on a running daemon",
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://127.0.0.1:27430", "daemon API base URL")

	cmd.AddCommand(newSessionsListCmd(&apiBase))
	cmd.AddCommand(newSessionsRunCmd(&apiBase))
	cmd.AddCommand(newSessionsCloseCmd(&apiBase))
	cmd.AddCommand(newSessionsStatsCmd(&apiBase))

	return cmd
}

func newSessionsListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp schema.ListSessionsResponse
			if err := apiGet(cmd.Context(), *apiBase, "/api/sessions", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Sessions) == 0 {
				_, _ = fmt.Fprintln(out, "no sessions")
				return nil
			}
			_, _ = fmt.Fprintf(out, "%-22s %-16s %-8s %-12s %-9s %6s %8s  %s\n",
				"ID", "NAME", "STATUS", "TIER", "SIZE", "UNSEEN", "AGE", "FLAGS")
			for _, sess := range resp.Sessions {
				size := fmt.Sprintf("%dx%d", sess.Geometry.Cols, sess.Geometry.Rows)
				age := format.Duration(time.Since(sess.CreatedAt))
				_, _ = fmt.Fprintf(out, "%-22s %-16s %-8s %-12s %-9s %6d %8s  %s\n",
					sess.ID, sess.Name, sess.Status, sess.Tier, size, sess.Unseen, age, sessionFlags(sess))
			}
			return nil
		},
	}
}

// sessionFlags renders the boolean session state as a compact column:
// V visible, F focused, D direct, A alt screen, G accelerated, R restoring.
func sessionFlags(sess schema.SessionSnapshot) string {
	var b strings.Builder
	if sess.Visible {
		b.WriteByte('V')
	}
	if sess.Focused {
		b.WriteByte('F')
	}
	if sess.Direct {
		b.WriteByte('D')
	}
	if sess.AltScreen {
		b.WriteByte('A')
	}
	if sess.Accelerated {
		b.WriteByte('G')
	}
	if sess.Restoring {
		b.WriteByte('R')
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

func newSessionsRunCmd(apiBase *string) *cobra.Command {
	var sessionID string
	var name string
	var dir string
	var env []string
	var cols, rows int
	var tierName string
	var direct bool
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Launch a session on the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envMap, err := parseEnvPairs(env)
			if err != nil {
				return err
			}
			payload := createSessionPayload{
				SessionID: sessionID,
				Name:      name,
				Command:   args[0],
				Args:      args[1:],
				Dir:       dir,
				Env:       envMap,
				Cols:      cols,
				Rows:      rows,
				Tier:      tierName,
				Direct:    direct,
			}
			var resp schema.CreateSessionResponse
			if err := apiPost(cmd.Context(), *apiBase, "/api/sessions", payload, &resp); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session started: %s\n", resp.Session.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to a generated id)")
	cmd.Flags().StringVar(&name, "name", "", "session display name")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the command")
	cmd.Flags().StringArrayVar(&env, "env", nil, "extra environment entries as KEY=VALUE")
	cmd.Flags().IntVar(&cols, "cols", 80, "initial columns")
	cmd.Flags().IntVar(&rows, "rows", 24, "initial rows")
	cmd.Flags().StringVar(&tierName, "tier", "", "initial rendering tier (defaults to visible)")
	cmd.Flags().BoolVar(&direct, "direct", false, "bypass frame batching for this session")
	return cmd
}

// createSessionPayload mirrors the POST /api/sessions body.
type createSessionPayload struct {
	SessionID string            `json:"session_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Tier      string            `json:"tier,omitempty"`
	Direct    bool              `json:"direct,omitempty"`
}

func newSessionsCloseCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := schema.SessionID(strings.TrimSpace(args[0]))
			if err := schema.ValidateSessionID(id); err != nil {
				return err
			}
			path := "/api/sessions/" + url.PathEscape(string(id))
			if err := apiDelete(cmd.Context(), *apiBase, path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "closed session: %s\n", id)
			return nil
		},
	}
}

func newSessionsStatsCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp schema.TelemetryResponse
			if err := apiGet(cmd.Context(), *apiBase, "/api/telemetry", &resp); err != nil {
				return err
			}
			snap := resp.Snapshot
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "sessions: %d\n", snap.Sessions)
			_, _ = fmt.Fprintf(out, "ingest: %s in %d packets, %s discarded\n",
				format.Bytes(int64(snap.BytesIngested)), snap.PacketsDecoded, format.Bytes(int64(snap.BytesDiscarded)))
			_, _ = fmt.Fprintf(out, "frames: %d presented, %d dropped, %d redraws detected\n",
				snap.FramesPresented, snap.FramesDropped, snap.RedrawsDetected)
			_, _ = fmt.Fprintf(out, "flushes: %d normal, %d interactive\n",
				snap.NormalFlushes, snap.InteractiveFlush)
			_, _ = fmt.Fprintf(out, "resizes: %d applied, %d coalesced\n",
				snap.ResizesApplied, snap.ResizesCoalesced)
			_, _ = fmt.Fprintf(out, "tiers: %d changes, %d wakes, %d wake failures\n",
				snap.TierChanges, snap.Wakes, snap.WakeFailures)
			_, _ = fmt.Fprintf(out, "contexts: %d granted, %d evicted, %d lost, %d recovered\n",
				snap.ContextsGranted, snap.ContextsEvicted, snap.ContextsLost, snap.ContextsRecovered)
			_, _ = fmt.Fprintf(out, "transport: %d resets\n", snap.TransportResets)
			return nil
		},
	}
}

func apiGet(ctx context.Context, base, path string, out any) error {
	return apiDo(ctx, http.MethodGet, base, path, nil, out)
}

func apiPost(ctx context.Context, base, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return apiDo(ctx, http.MethodPost, base, path, body, out)
}

func apiDelete(ctx context.Context, base, path string) error {
	return apiDo(ctx, http.MethodDelete, base, path, nil, nil)
}

func apiDo(ctx context.Context, method, base, path string, body []byte, out any) error {
	target, err := apiURL(base, path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError surfaces the daemon's error payload when there is one.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("daemon: %s", payload.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

func apiURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
