package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/isseis/go-safe-elevate/internal/audit"
	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/isseis/go-safe-elevate/internal/transport"
)

// Launched describes a child started by a Handler. Exit is the read end of
// the child's exit pipe; the server sends it to the client and closes its own
// copy.
type Launched struct {
	Pid  int
	Exit *os.File
}

// Handler serves elevation requests. It owns nothing in req beyond the call.
type Handler interface {
	HandleElevation(ctx context.Context, req *elevation.Request) (*Launched, status.Status)
}

// waiter is implemented by handlers that track running children.
type waiter interface {
	Wait()
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// OwnerUID receives ownership of the socket and is the only peer uid
	// accepted; negative leaves the socket as is and accepts any uid.
	OwnerUID int
	// ExpectedPID is the only client process accepted; zero accepts any.
	ExpectedPID int
	// ExpectedExe is the only client binary accepted; empty accepts any.
	ExpectedExe string
	// ResolveExe returns the binary a peer runs. Defaults to PeerExecutable.
	ResolveExe func(pid int) (string, error)
	// SingleUse rejects every request after the first with status.Busy.
	SingleUse bool

	Alloc      transport.Allocator
	MaxPayload int
	Logger     *slog.Logger
	Audit      *audit.Logger
}

// Server is the broker end of the boundary.
type Server struct {
	path     string
	listener *net.UnixListener
	handler  Handler
	cfg      ServerConfig

	mu       sync.Mutex
	served   bool
	stopping bool
	conns    map[*net.UnixConn]struct{}
	wg       sync.WaitGroup
}

// Listen creates the broker socket at path. Only the owner may connect.
func Listen(path string, handler Handler, cfg ServerConfig) (*Server, error) {
	if cfg.Alloc == nil {
		cfg.Alloc = transport.NewHeapAllocator(0)
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewAuditLogger(cfg.Logger)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("rpc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("rpc: restrict socket mode: %w", err)
	}
	if cfg.OwnerUID >= 0 && cfg.OwnerUID != os.Geteuid() {
		if err := os.Lchown(path, cfg.OwnerUID, -1); err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("rpc: chown socket to uid %d: %w", cfg.OwnerUID, err)
		}
	}

	return &Server{
		path:     path,
		listener: listener,
		handler:  handler,
		cfg:      cfg,
		conns:    make(map[*net.UnixConn]struct{}),
	}, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until a shutdown request arrives, ctx is done or
// Close is called. It returns once every connection has finished and, when
// the handler tracks children, once they have all exited.
func (s *Server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-done:
		}
	}()

	var acceptErr error
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if !s.isStopping() {
				acceptErr = fmt.Errorf("rpc: accept: %w", err)
				s.stop()
			}
			break
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go s.serveConn(ctx, conn)
	}

	s.wg.Wait()
	if w, ok := s.handler.(waiter); ok {
		w.Wait()
	}
	return acceptErr
}

// Close stops accepting connections and unblocks idle ones.
func (s *Server) Close() error {
	s.stop()
	return nil
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	_ = s.listener.Close()

	// Idle connections are parked in a read; wake them.
	now := time.Now()
	for conn := range s.conns {
		_ = conn.SetReadDeadline(now)
	}
}

func (s *Server) track(conn *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	s.wg.Done()
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer s.untrack(conn)
	logger := s.cfg.Logger

	if !s.checkPeer(ctx, conn) {
		return
	}

	for {
		msg, err := readMessage(conn, s.cfg.Alloc, s.cfg.MaxPayload)
		if err != nil {
			if !errors.Is(err, ErrConnClosed) && !s.isStopping() {
				logger.Warn("Dropping connection after read failure", "error", err)
			}
			return
		}

		if s.isStopping() {
			// Calls after shutdown are dropped without a reply.
			msg.closeFiles()
			msg.release(s.cfg.Alloc)
			return
		}

		switch msg.Header.Type {
		case MsgRequest:
			s.handleRequest(ctx, conn, msg)
		case MsgShutdown:
			msg.closeFiles()
			msg.release(s.cfg.Alloc)
			logger.Info("Shutdown requested")
			s.stop()
			if err := writeMessage(conn, s.cfg.Alloc, s.cfg.MaxPayload, MsgShutdownAck, nil, nil); err != nil {
				logger.Warn("Failed to acknowledge shutdown", "error", err)
			}
		default:
			msg.closeFiles()
			msg.release(s.cfg.Alloc)
			logger.Warn("Unknown message type", "type", msg.Header.Type)
			return
		}
	}
}

// peerCred identifies the process on the other end of a connection.
type peerCred struct {
	PID int
	UID int
}

func (s *Server) checkPeer(ctx context.Context, conn *net.UnixConn) bool {
	if s.cfg.ExpectedPID == 0 && s.cfg.ExpectedExe == "" && s.cfg.OwnerUID < 0 {
		return true
	}

	peer, err := peerCredentials(conn)
	if errors.Is(err, errPeerCredUnsupported) {
		return true
	}

	details := map[string]any{
		"peer_pid": peer.PID,
		"peer_uid": peer.UID,
	}
	reason := ""
	switch {
	case err != nil:
		reason = "Peer credentials unavailable"
		details["error"] = err.Error()
	case s.cfg.ExpectedPID != 0 && peer.PID != s.cfg.ExpectedPID:
		reason = "Connection from unexpected process rejected"
		details["expected_pid"] = s.cfg.ExpectedPID
	case s.cfg.OwnerUID >= 0 && peer.UID != s.cfg.OwnerUID:
		reason = "Connection from unexpected user rejected"
		details["expected_uid"] = s.cfg.OwnerUID
	case s.cfg.ExpectedExe != "":
		exe, exeErr := s.cfg.ResolveExe(peer.PID)
		if exeErr == nil && exe == s.cfg.ExpectedExe {
			return true
		}
		reason = "Connection from unexpected binary rejected"
		details["expected_exe"] = s.cfg.ExpectedExe
		details["peer_exe"] = exe
		if exeErr != nil {
			details["error"] = exeErr.Error()
		}
	default:
		return true
	}

	s.cfg.Audit.LogSecurityEvent(ctx, "peer_rejected", audit.SeverityHigh, reason, details)
	return false
}

func (s *Server) handleRequest(ctx context.Context, conn *net.UnixConn, msg *message) {
	logger := s.cfg.Logger

	req, parentPID, err := decodeRequest(msg.Payload, msg.Files)
	files := msg.Files
	msg.release(s.cfg.Alloc)
	defer closeFiles(files)

	var launched *Launched
	st := s.admit(ctx, req, parentPID, err)
	if st.Succeeded() {
		launched, st = s.handler.HandleElevation(ctx, req)
	}

	var attach []*os.File
	pid := 0
	if launched != nil {
		if st.Succeeded() && launched.Exit != nil {
			attach = []*os.File{launched.Exit}
			pid = launched.Pid
		}
		if launched.Exit != nil {
			defer launched.Exit.Close()
		}
	}

	if err := writeMessage(conn, s.cfg.Alloc, s.cfg.MaxPayload, MsgReply, encodeReply(st, pid), attach); err != nil {
		logger.Warn("Failed to send reply", "status", st.String(), "error", err)
	}
}

// admit decides whether a decoded request may reach the handler. The first
// request claims a single-use server even when it is rejected.
func (s *Server) admit(ctx context.Context, req *elevation.Request, parentPID int, decodeErr error) status.Status {
	if !s.claim() {
		return status.Busy
	}

	if decodeErr != nil {
		s.cfg.Logger.Warn("Malformed request", "error", decodeErr)
		return status.BadStubData
	}

	if s.cfg.ExpectedPID != 0 && parentPID != s.cfg.ExpectedPID {
		s.cfg.Audit.LogSecurityEvent(ctx, "parent_mismatch", audit.SeverityHigh,
			"Request names a parent other than the expected client", map[string]any{
				"expected_pid": s.cfg.ExpectedPID,
				"parent_pid":   parentPID,
				"request_id":   req.CorrelationID.String(),
			})
		return status.AccessDenied
	}
	if parentPID > 0 {
		// FindProcess always succeeds on unix.
		req.Parent, _ = os.FindProcess(parentPID)
	}
	return status.OK
}

// claim marks the server as used and reports whether the caller may proceed.
func (s *Server) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served && s.cfg.SingleUse {
		return false
	}
	s.served = true
	return true
}
