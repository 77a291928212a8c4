package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/canopyide/termflow/httpapi"
	"github.com/canopyide/termflow/schema"
)

// viewDetachByte detaches the viewer without closing the session,
// matching the screen/tmux convention (ctrl-]).
const viewDetachByte = 0x1d

const viewCommandTimeout = 10 * time.Second

func newViewCmd() *cobra.Command {
	var apiBase string
	cmd := &cobra.Command{
		Use:   "view <session-id>",
		Short: "Attach the local terminal to a session's live stream",
		Long: `Attach the local terminal to a session's live stream.

Keystrokes are forwarded to the session and presented output is written
to stdout. Press ctrl-] to detach; the session keeps running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := schema.SessionID(strings.TrimSpace(args[0]))
			if err := schema.ValidateSessionID(id); err != nil {
				return err
			}
			target, err := streamURL(apiBase, id)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runView(ctx, target)
		},
	}
	cmd.Flags().StringVar(&apiBase, "api", "http://127.0.0.1:27430", "daemon API base URL")
	return cmd
}

// streamURL turns the API base URL into the websocket endpoint for one
// session's live view.
func streamURL(base string, id schema.SessionID) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sessions/" + url.PathEscape(string(id)) + "/stream"
	return u.String(), nil
}

func runView(ctx context.Context, target string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return schema.ErrSessionNotFound
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() {
			_ = term.Restore(stdinFd, state)
			fmt.Fprint(os.Stdout, "\r\n")
		}()
	}

	send := func(cmd httpapi.ViewerCommand) error {
		_ = conn.SetWriteDeadline(time.Now().Add(viewCommandTimeout))
		return conn.WriteJSON(cmd)
	}
	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		if err := send(httpapi.ViewerCommand{Type: "resize", Cols: cols, Rows: rows}); err != nil {
			return err
		}
	}
	if err := send(httpapi.ViewerCommand{Type: "scroll", AtBottom: true}); err != nil {
		return err
	}

	input := make(chan []byte, 8)
	go readChunks(os.Stdin, input)

	readDone := make(chan error, 1)
	go func() { readDone <- viewReadPump(conn) }()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	for {
		select {
		case <-ctx.Done():
			viewClose(conn, websocket.CloseGoingAway, "viewer interrupted")
			return nil
		case err := <-readDone:
			return err
		case chunk, ok := <-input:
			if !ok {
				// Piped stdin ran out. Keep streaming output.
				input = nil
				continue
			}
			data, detach := splitInput(chunk)
			if len(data) > 0 {
				if err := send(httpapi.ViewerCommand{Type: "input", Data: data}); err != nil {
					return err
				}
			}
			if detach {
				viewClose(conn, websocket.CloseNormalClosure, "viewer detached")
				return nil
			}
		case <-winch:
			if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				if err := send(httpapi.ViewerCommand{Type: "resize", Cols: cols, Rows: rows}); err != nil {
					return err
				}
			}
		}
	}
}

// readChunks forwards stdin to the writer loop. Each chunk is copied so
// the loop can keep the slice.
func readChunks(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// splitInput scans one stdin chunk for the detach byte. Bytes before it
// are still forwarded; everything after is dropped.
func splitInput(chunk []byte) ([]byte, bool) {
	for i, b := range chunk {
		if b == viewDetachByte {
			return chunk[:i], true
		}
	}
	return chunk, false
}

// viewReadPump copies presented output to stdout and watches the event
// stream for the session ending.
func viewReadPump(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var ev httpapi.StreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			if ev.Type == "session" && ev.Event == string(schema.SessionEventClosed) {
				return nil
			}
		}
	}
}

func viewClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(viewCommandTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
