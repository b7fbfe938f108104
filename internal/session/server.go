package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/numscull/internal/domain"
	"github.com/postalsys/numscull/internal/identity"
	"github.com/postalsys/numscull/internal/logging"
	"github.com/postalsys/numscull/internal/metrics"
	"github.com/postalsys/numscull/internal/recovery"
)

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	Address string

	// MaxConnections limits concurrent sessions (0 = unlimited).
	MaxConnections int

	// IdleTimeout closes a session that sends no frames for this long.
	// Zero disables the watchdog; §5 permits but does not require an
	// implementation-defined idle timeout.
	IdleTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "0.0.0.0:7722",
		MaxConnections: 0,
		IdleTimeout:    0,
	}
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	cfg        ServerConfig
	identities *identity.Store
	domainDB   *domain.Store
	serverKey  identity.KeyPair
	logger     *slog.Logger
	metrics    *metrics.Metrics

	listener net.Listener

	mu       sync.Mutex
	sessions map[*Session]struct{}

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer constructs a server ready to Start. domainDB and
// identities are shared across every accepted session.
func NewServer(cfg ServerConfig, identities *identity.Store, domainDB *domain.Store, serverKey identity.KeyPair, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:        cfg,
		identities: identities,
		domainDB:   domainDB,
		serverKey:  serverKey,
		logger:     logger,
		metrics:    m,
		sessions:   make(map[*Session]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("session: server already running")
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("session: listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("server listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Address returns the bound listen address, or nil if not started.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every active session, then waits for
// their goroutines to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for sess := range s.sessions {
			sess.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return err
}

// SessionCount reports the number of currently active sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.Server.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("accept failed", logging.KeyError, err.Error())
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.Server.handleConn")

	sess := New(conn, s.identities, s.domainDB, s.serverKey, s.logger, s.metrics, s.cfg.IdleTimeout)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.metrics.RecordSessionStart()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	if err := sess.Run(); err != nil {
		s.logger.Warn("session ended with error",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err.Error(),
		)
	}
}
