// Package client wraps the two calls made across the elevation boundary.
// Structured faults raised by the transport are intercepted, classified by the
// transport's fault filter, and returned as unified status codes; faults the
// filter marks fatal keep unwinding.
package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/metrics"
	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/isseis/go-safe-elevate/internal/transport"
)

// Operation names used in logs and metrics.
const (
	OpRequestElevation = "request_elevation"
	OpShutdown         = "shutdown"
)

// Stub performs the raw calls. Either method may raise a *transport.Fault
// instead of returning.
type Stub interface {
	// DoElevationRequest asks the broker to launch req. On success the
	// returned child is owned by the caller.
	DoElevationRequest(b transport.Binding, req *elevation.Request) (*elevation.Child, status.Status)
	// Shutdown asks the broker to terminate.
	Shutdown(b transport.Binding)
}

// Client is the boundary call wrapper. It holds no per-call state and may be
// used from any number of goroutines.
type Client struct {
	stub    Stub
	filter  transport.FaultFilter
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithFaultFilter replaces transport.DefaultFaultFilter.
func WithFaultFilter(filter transport.FaultFilter) Option {
	return func(c *Client) { c.filter = filter }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records call outcomes in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client over stub.
func New(stub Stub, opts ...Option) *Client {
	c := &Client{
		stub:   stub,
		filter: transport.DefaultFaultFilter,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestElevation asks the broker bound to b to launch req. The returned
// child is nil whenever the status failed; ownership passes to the caller. A
// non-failure code other than status.OK is returned unchanged, with or without
// a child. Handles and strings in req are only borrowed for the call.
func (c *Client) RequestElevation(b transport.Binding, req *elevation.Request) (*elevation.Child, status.Status) {
	var child *elevation.Child
	st := c.invoke(OpRequestElevation, func() status.Status {
		var st status.Status
		child, st = c.stub.DoElevationRequest(b, req)
		return st
	})

	if st.Failed() {
		if child != nil {
			_ = child.Close()
		}
		c.logger.Debug("Elevation request failed",
			"request_id", req.CorrelationID.String(),
			"status", st.String())
		return nil, st
	}

	if child == nil && st == status.OK {
		c.logger.Error("Broker reported success without a child handle",
			"request_id", req.CorrelationID.String())
		return nil, status.BadStubData
	}

	if child == nil {
		c.logger.Debug("Elevation request returned without a child",
			"request_id", req.CorrelationID.String(),
			"status", st.String())
		return nil, st
	}

	c.logger.Debug("Elevation request succeeded",
		"request_id", req.CorrelationID.String(),
		"child_pid", child.Pid)
	return child, st
}

// Shutdown asks the broker bound to b to terminate. A broker that is already
// gone or terminating yields status.ServerUnavailable.
func (c *Client) Shutdown(b transport.Binding) status.Status {
	return c.invoke(OpShutdown, func() status.Status {
		c.stub.Shutdown(b)
		return status.OK
	})
}

// invoke runs call, converting a recoverable *transport.Fault into a status.
// Anything else that panics, including faults the filter rejects, is
// re-raised unchanged.
func (c *Client) invoke(op string, call func() status.Status) (st status.Status) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			fault, ok := r.(*transport.Fault)
			if !ok || !c.filter(fault.Code) {
				panic(r)
			}

			st = status.Normalize(fault.Code)
			c.metrics.ObserveFault(op)
			c.logger.Warn("Transport fault intercepted",
				"op", op,
				"fault_code", fmt.Sprintf("0x%08X", fault.Code),
				"fault_op", fault.Op,
				"status", st.String(),
				"error", fault.Err)
		}
		c.metrics.ObserveCall(op, st, time.Since(start))
	}()

	return call()
}
