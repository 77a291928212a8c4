package sshserver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/internal/eventbus"
	"github.com/canopyide/termflow/internal/sshkeys"
	"github.com/canopyide/termflow/schema"
	"pkt.systems/pslog"
)

// KeyAuthorizer reports whether a presented public key may attach.
type KeyAuthorizer interface {
	Authorized(key ssh.PublicKey) bool
}

// Server exposes live sessions to SSH viewers.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	Shell              string
	Listener           net.Listener
	Service            core.Service
	EventBus           *eventbus.Bus
	Keys               KeyAuthorizer
	logger             pslog.Logger
}

// ListenAndServe starts the SSH server and shuts down on context
// cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Service == nil {
		return errors.New("service is required for ssh attach")
	}

	signer, err := sshkeys.EnsureHostKeyWithLogger(s.HostKeyPath, s.logger)
	if err != nil {
		return err
	}

	if s.Keys == nil {
		if s.AuthorizedKeysPath == "" {
			return errors.New("authorized keys path is required for ssh attach")
		}
		store, err := sshkeys.NewStoreWithLogger(s.AuthorizedKeysPath, s.logger)
		if err != nil {
			return err
		}
		s.Keys = store
	}
	if s.Shell == "" {
		s.Shell = os.Getenv("SHELL")
		if s.Shell == "" {
			s.Shell = "/bin/sh"
		}
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	if sshSession := ctx.SessionID(); sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}
	if s.Keys == nil || !s.Keys.Authorized(key) {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	log = log.With("remote", sess.RemoteAddr().String())
	if sshSession := sess.Context().SessionID(); sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh viewer rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		return
	}
	log.Info("ssh viewer opened", "term", pty.Term)

	ctx := pslog.ContextWithLogger(sess.Context(), log)
	viewer := newAttachViewer(sess, s.Service, s.EventBus, s.Shell, log)
	viewer.SetSize(pty.Window.Width, pty.Window.Height)
	if direct := directSessionID(sess.Command()); direct != "" {
		viewer.prefs.LastSession = direct
	}

	reads := make(chan []byte, 16)
	go readInput(sess, reads)
	_ = viewer.Run(ctx, reads, winCh)
	log.Info("ssh viewer closed", "term", pty.Term)
}

// directSessionID pulls a session id from the SSH command line, so
// "ssh host <id>" preselects that session in the picker.
func directSessionID(command []string) schema.SessionID {
	if len(command) == 0 {
		return ""
	}
	return schema.SessionID(command[0])
}
