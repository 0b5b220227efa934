// Package imapfront wires the message-management core to IMAP clients
// using go-imap/v2's imapserver, replacing the teacher's v1
// backend.Backend/backend.Mailbox pairing with imapserver.Session.
package imapfront

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/mailcore/imapcore/internal/attachstore"
	"github.com/mailcore/imapcore/internal/auth"
	"github.com/mailcore/imapcore/internal/dedupe"
	"github.com/mailcore/imapcore/internal/logging"
	"github.com/mailcore/imapcore/internal/mailhandler"
	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/notifier"
	"github.com/mailcore/imapcore/internal/registry"
	"github.com/mailcore/imapcore/internal/session"
	"github.com/mailcore/imapcore/internal/thread"
)

// Server wraps the go-imap v2 server over the message-management core.
type Server struct {
	sqldb     *sql.DB
	authn     *auth.Authenticator
	rateLimit *auth.RateLimiter
	registry  *registry.Registry
	handler  *mailhandler.Handler
	attach   *attachstore.Store
	thread   *thread.Resolver
	dedupe   *dedupe.Detector
	notify   *notifier.Notifier
	hooks    *session.Hooks
	log      *logging.Logger

	imapServer  *imapserver.Server
	tlsConfig   *tls.Config
	addr        string
	tlsAddr     string
	listener    net.Listener
	tlsListener net.Listener

	trackersMu sync.RWMutex
	trackers   map[int64]*imapserver.MailboxTracker

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
}

type Deps struct {
	DB       *sql.DB
	Authn    *auth.Authenticator
	Registry *registry.Registry
	Handler  *mailhandler.Handler
	Attach   *attachstore.Store
	Thread   *thread.Resolver
	Dedupe   *dedupe.Detector
	Notify   *notifier.Notifier
	Log      *logging.Logger
}

// New creates the IMAP v2 server with IDLE support over mailbox trackers.
func New(deps Deps, addr, tlsAddr string, tlsConfig *tls.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sqldb:     deps.DB,
		authn:     deps.Authn,
		rateLimit: auth.DefaultRateLimiter(),
		registry:  deps.Registry,
		handler:   deps.Handler,
		attach:    deps.Attach,
		thread:    deps.Thread,
		dedupe:    deps.Dedupe,
		notify:    deps.Notify,
		hooks:     session.New(deps.Authn, deps.Registry, deps.Handler),
		log:       deps.Log,
		tlsConfig: tlsConfig,
		addr:      addr,
		tlsAddr:   tlsAddr,
		trackers:  make(map[int64]*imapserver.MailboxTracker),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.imapServer = imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			metrics.ActiveConnections.Inc()
			return newSession(s, conn), &imapserver.GreetingData{}, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIdle:      {},
			imap.CapUIDPlus:   {},
		},
		TLSConfig:    tlsConfig,
		InsecureAuth: tlsConfig == nil,
	})

	return s
}

func (s *Server) db() *sql.DB { return s.sqldb }

// TrackerFor returns or creates a mailbox tracker for IDLE delivery.
func (s *Server) TrackerFor(mailboxID int64) *imapserver.MailboxTracker {
	s.trackersMu.RLock()
	t, ok := s.trackers[mailboxID]
	s.trackersMu.RUnlock()
	if ok {
		return t
	}

	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	if t, ok = s.trackers[mailboxID]; ok {
		return t
	}
	t = imapserver.NewMailboxTracker(0)
	s.trackers[mailboxID] = t
	return t
}

// ListenAndServe starts the plaintext listener.
func (s *Server) ListenAndServe() error {
	if s.addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Info("imap server listening", "addr", s.addr)

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := s.imapServer.Serve(listener); err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.log.Error("imap server error", "err", err)
			}
		}
	}()
	return nil
}

// ListenAndServeTLS starts the implicit-TLS listener.
func (s *Server) ListenAndServeTLS() error {
	if s.tlsAddr == "" || s.tlsConfig == nil {
		return nil
	}
	listener, err := tls.Listen("tcp", s.tlsAddr, s.tlsConfig)
	if err != nil {
		return err
	}
	s.tlsListener = listener
	s.log.Info("imaps server listening", "addr", s.tlsAddr)

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := s.imapServer.Serve(listener); err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.log.Error("imaps server error", "err", err)
			}
		}
	}()
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	s.cancel()

	var closeErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			closeErr = err
		}
	}
	if s.tlsListener != nil {
		if err := s.tlsListener.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if err := s.imapServer.Close(); err != nil && closeErr == nil {
		closeErr = err
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warn("imap server shutdown timed out waiting for connections")
	}

	s.trackersMu.Lock()
	s.trackers = make(map[int64]*imapserver.MailboxTracker)
	s.trackersMu.Unlock()

	return closeErr
}
