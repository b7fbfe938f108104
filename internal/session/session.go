// Package session implements the server-side connection state machine
// (C4): the plaintext control/init handshake, the ephemeral key
// exchange bootstrap, and the post-handshake encrypted RPC dispatch
// loop.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/numscull/internal/cryptobox"
	"github.com/postalsys/numscull/internal/domain"
	"github.com/postalsys/numscull/internal/identity"
	"github.com/postalsys/numscull/internal/logging"
	"github.com/postalsys/numscull/internal/metrics"
	"github.com/postalsys/numscull/internal/protocol"
	"github.com/postalsys/numscull/internal/rpc"
)

// State is one node of the C4 state machine.
type State int32

const (
	StateInit State = iota
	StateIssueServerEphemeral
	StateAwaitClientEphemeral
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIssueServerEphemeral:
		return "ISSUE_SERVER_EPHEMERAL"
	case StateAwaitClientEphemeral:
		return "AWAIT_CLIENT_EPHEMERAL"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ProtocolVersion is echoed by clients in control/init; the server
// does not reject a mismatch per §4.3 (only identity resolution gates
// the handshake). The version a client sends is neither checked nor
// stored.
const ProtocolVersion = "0.2.4"

// rpcRateLimit bounds the per-session request rate; the protocol is
// strictly half-duplex with one in-flight request, so this only guards
// against a client hammering cheap methods in a tight loop.
const rpcRateLimit = 200 // requests per second
const rpcRateBurst = 50

// Session is one client connection, from accept through close.
type Session struct {
	conn        net.Conn
	identities  *identity.Store
	domainDB    *domain.Store
	serverKey   identity.KeyPair
	dispatcher  *rpc.Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	idleTimeout time.Duration

	state atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu               sync.Mutex
	clientIdentity   string
	activeProject    string
	hasActiveProject bool

	lastActivity atomic.Int64

	stream *protocol.EncryptedStream
}

// New constructs a session wrapping an accepted connection. Run must
// be called to drive it through the handshake and dispatch loop.
// idleTimeout of zero disables the idle watchdog.
func New(conn net.Conn, identities *identity.Store, domainDB *domain.Store, serverKey identity.KeyPair, logger *slog.Logger, m *metrics.Metrics, idleTimeout time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	s := &Session{
		conn:        conn,
		identities:  identities,
		domainDB:    domainDB,
		serverKey:   serverKey,
		logger:      logger,
		metrics:     m,
		limiter:     rate.NewLimiter(rate.Limit(rpcRateLimit), rpcRateBurst),
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.state.Store(int32(StateInit))
	s.dispatcher = s.buildDispatcher()
	s.updateActivity()
	return s
}

// updateActivity records the current time as the session's last
// observed activity, used by the idle watchdog.
func (s *Session) updateActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the session's last observed
// activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// idleWatchdog closes the session once it has been idle for longer
// than idleTimeout. It exits once the session is closed by any means.
func (s *Session) idleWatchdog() {
	ticker := time.NewTicker(s.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.LastActivity()) >= s.idleTimeout {
				s.logger.Info("closing idle session", logging.KeyIdentity, s.clientIdentity, logging.KeyRemoteAddr, s.conn.RemoteAddr().String())
				s.Close()
				return
			}
		}
	}
}

// State returns the session's current state machine node.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Close tears down the underlying connection exactly once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.setState(StateClosed)
		err = s.conn.Close()
	})
	return err
}

// Run drives the session through the handshake and then the
// READY/DISPATCH loop until the socket closes, the client sends
// control/exit, or a fatal error occurs. It always returns with the
// connection closed.
func (s *Session) Run() error {
	defer s.Close()

	handshakeStart := time.Now()
	if err := s.runHandshake(); err != nil {
		s.metrics.RecordHandshakeError(handshakeErrorKind(err))
		return err
	}
	s.metrics.RecordHandshake(time.Since(handshakeStart).Seconds())
	s.setState(StateReady)
	s.updateActivity()
	s.logger.Info("session ready", logging.KeyIdentity, s.clientIdentity, logging.KeyRemoteAddr, s.conn.RemoteAddr().String())

	if s.idleTimeout > 0 {
		go s.idleWatchdog()
	}

	return s.dispatchLoop()
}

func handshakeErrorKind(err error) string {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return "unknown_identity"
	case errors.Is(err, cryptobox.ErrCryptoFailure):
		return "crypto_failure"
	case errors.Is(err, protocol.ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "other"
	}
}

// initParams is the params object of the plaintext control/init request.
type initParams struct {
	Identity string `json:"identity"`
	Version  string `json:"version"`
}

type publicKeyPayload struct {
	Bytes string `json:"bytes"`
}

type initResponseParams struct {
	Valid     bool             `json:"valid"`
	PublicKey publicKeyPayload `json:"publicKey"`
}

// runHandshake performs the three §4.3 phases: plaintext init,
// server-to-client ephemeral push, client-to-server ephemeral push.
func (s *Session) runHandshake() error {
	frame, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return fmt.Errorf("session: read init frame: %w", err)
	}
	req, err := rpc.DecodeRequest(frame)
	if err != nil {
		return fmt.Errorf("session: decode init request: %w", err)
	}
	if req.Method != "control/init" {
		return fmt.Errorf("%w: expected control/init, got %s", protocol.ErrProtocolViolation, req.Method)
	}
	var params initParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fmt.Errorf("%w: malformed init params: %v", protocol.ErrProtocolViolation, err)
	}

	clientStaticPub, resolveErr := s.identities.ResolvePublicKey(params.Identity)
	valid := resolveErr == nil

	respParams := initResponseParams{
		Valid:     valid,
		PublicKey: publicKeyPayload{Bytes: base64.StdEncoding.EncodeToString(s.serverKey.Public[:])},
	}
	body, err := rpc.EncodeParams(req.ID, "control/init", respParams)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(s.conn, body); err != nil {
		return fmt.Errorf("session: write init response: %w", err)
	}
	if !valid {
		return fmt.Errorf("%w: identity %q", identity.ErrNotFound, params.Identity)
	}
	s.clientIdentity = params.Identity

	s.setState(StateIssueServerEphemeral)
	serverPush, err := cryptobox.NewEphemeralPush()
	if err != nil {
		return fmt.Errorf("session: generate ephemeral push: %w", err)
	}
	sealed, err := cryptobox.SealEphemeralPush(serverPush, &clientStaticPub, &s.serverKey.Secret)
	if err != nil {
		return fmt.Errorf("session: seal ephemeral push: %w", err)
	}
	if _, err := s.conn.Write(sealed); err != nil {
		return fmt.Errorf("session: write ephemeral push: %w", err)
	}

	s.setState(StateAwaitClientEphemeral)
	sealedSize := cryptobox.NonceSize + cryptobox.EncryptedBlockSize
	clientSealed := make([]byte, sealedSize)
	if err := protocol.ReadExact(s.conn, clientSealed); err != nil {
		return fmt.Errorf("session: read client ephemeral push: %w", err)
	}
	clientRecvPub, clientSendPub, err := cryptobox.OpenEphemeralPush(clientSealed, &clientStaticPub, &s.serverKey.Secret)
	if err != nil {
		return fmt.Errorf("session: open client ephemeral push: %w", err)
	}

	channel := cryptobox.ServerChannel(serverPush, clientRecvPub, clientSendPub)
	s.stream = protocol.NewEncryptedStream(s.conn, channel)
	return nil
}

// dispatchLoop is the READY/DISPATCH/READY|CLOSED cycle of §4.4.
func (s *Session) dispatchLoop() error {
	// wireBlocks is the number of ciphertext blocks a message of n JSON
	// bytes occupies once framed (§4.2).
	usable := cryptobox.BlockSize - 2
	wireBlocks := func(n int) int { return (protocol.HeaderSize + n + usable - 1) / usable }

	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return nil
		}

		body, err := s.stream.RecvMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) {
				s.metrics.RecordSessionEnd("eof")
				return nil
			}
			if errors.Is(err, cryptobox.ErrCryptoFailure) {
				s.metrics.RecordCryptoFailure()
				s.metrics.RecordSessionEnd("crypto_failure")
			} else {
				s.metrics.RecordSessionEnd("protocol_violation")
			}
			return err
		}
		for i := 0; i < wireBlocks(len(body)); i++ {
			s.metrics.RecordBlockReceived()
		}
		s.updateActivity()

		req, err := rpc.DecodeRequest(body)
		if err != nil {
			s.metrics.RecordSessionEnd("protocol_violation")
			return fmt.Errorf("%w: malformed request body: %v", protocol.ErrProtocolViolation, err)
		}

		start := time.Now()
		s.mu.Lock()
		hasActive := s.hasActiveProject
		s.mu.Unlock()

		respBody, fatal := s.dispatcher.Dispatch(req, hasActive)
		if fatal != nil {
			s.metrics.RecordRPCCall(req.Method, "fatal", time.Since(start).Seconds())
			s.metrics.RecordSessionEnd("handler_error")
			return fatal
		}
		s.metrics.RecordRPCCall(req.Method, "success", time.Since(start).Seconds())

		if err := s.stream.SendMessage(respBody); err != nil {
			s.metrics.RecordSessionEnd("write_error")
			return err
		}
		for i := 0; i < wireBlocks(len(respBody)); i++ {
			s.metrics.RecordBlockSent()
		}

		if req.Method == "control/exit" {
			s.metrics.RecordSessionEnd("exit")
			return nil
		}
	}
}
