package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"
)

// Dial defaults.
const (
	DefaultConnectAttempts = 10
	DefaultConnectBackoff  = 100 * time.Millisecond
)

// ErrConnectTimeout is returned when the broker never started listening.
var ErrConnectTimeout = errors.New("rpc: broker did not accept a connection")

// EndpointPath returns the socket path a broker started for pid with nonce
// listens on.
func EndpointPath(dir string, pid int, nonce string) string {
	return filepath.Join(dir, fmt.Sprintf("sudo_elevate_%d_%s.sock", pid, nonce))
}

// NewNonce returns a random endpoint nonce.
func NewNonce() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("rpc: generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Binding is a connection to one broker. Calls on a binding are serialized.
type Binding struct {
	endpoint string
	conn     *net.UnixConn

	mu     sync.Mutex
	broken error
}

// Endpoint implements transport.Binding.
func (b *Binding) Endpoint() string {
	return b.endpoint
}

// Close releases the connection.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken == nil {
		b.broken = net.ErrClosed
	}
	return b.conn.Close()
}

// DialConfig controls how long Dial waits for the broker to come up.
type DialConfig struct {
	// Attempts is the number of connection attempts; zero means
	// DefaultConnectAttempts.
	Attempts int
	// Backoff is added to the wait after every failed attempt; zero means
	// DefaultConnectBackoff.
	Backoff time.Duration
	Logger  *slog.Logger
}

// connectDelay returns the wait after failed attempt n (1-based).
func connectDelay(cfg DialConfig, attempt int) time.Duration {
	return time.Duration(attempt) * cfg.Backoff
}

// Dial connects to the broker listening on endpoint. The broker is started
// concurrently, so refused connections are retried with a linearly growing
// delay.
func Dial(ctx context.Context, endpoint string, cfg DialConfig) (*Binding, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConnectAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConnectBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var dialer net.Dialer
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "unix", endpoint)
		if err == nil {
			return &Binding{endpoint: endpoint, conn: conn.(*net.UnixConn)}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if attempt == cfg.Attempts {
			break
		}

		delay := connectDelay(cfg, attempt)
		cfg.Logger.Debug("Broker not reachable yet",
			"endpoint", endpoint,
			"attempt", attempt,
			"retry_in", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectTimeout, cfg.Attempts, lastErr)
}
