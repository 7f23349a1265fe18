package xmpp

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/roverhub/roverhub/lib/store"
)

// Server accepts TCP connections on a single endpoint and runs one
// Session per connection. The transport starts in plaintext; the
// STARTTLS upgrade happens per session.
type Server struct {
	cfg    *Config
	router *Router
	creds  store.Store
	tlsCfg *tls.Config
	log    *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool

	// done is closed when the server shuts down.
	done chan struct{}
}

// NewServer creates an XMPP broker server. TLS material is loaded up
// front so a bad certificate path fails at startup, not at the first
// STARTTLS.
func NewServer(cfg *Config, creds store.Store, log *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.LoadTLS()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		cfg:    cfg,
		router: NewRouter(cfg.StrictMatch),
		creds:  creds,
		tlsCfg: tlsCfg,
		log:    log,
		done:   make(chan struct{}),
	}, nil
}

// Router returns the process-wide session router.
func (s *Server) Router() *Router {
	return s.router
}

// ListenAndServe listens on the configured address and serves peers.
// It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them. It
// blocks until the server is closed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil // server was closed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		if s.cfg.MaxConnections > 0 && s.router.Count() >= s.cfg.MaxConnections {
			s.log.WithField("addr", conn.RemoteAddr()).Warn("connection limit reached")
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs one session for its whole lifetime. The
// session is registered with the router at accept, before
// authentication, and removes itself at DISCONNECT.
func (s *Server) handleConnection(conn net.Conn) {
	sess := NewSession(conn, s.cfg, s.router, s.creds, s.tlsCfg, logrus.NewEntry(s.log))
	s.log.WithField("addr", sess.RemoteAddr()).Debug("new connection")

	s.router.Add(sess)
	sess.Serve()
}

// Addr returns the listener address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.router.Count()
}

// Done returns a channel that is closed when the server shuts down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting connections and disconnects every session.
// In-flight stanzas may be dropped.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil // already closed
	}
	close(s.done)

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	s.router.CloseAll()
	return nil
}
