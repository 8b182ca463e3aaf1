// Package control implements the relay side of the control channel:
// accepting inbound client connections, validating registration,
// enforcing at-most-one-registration-per-token, and demultiplexing
// response/error/ping/pong frames back to the routing table's
// pending-request maps.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
	"github.com/freitascorp/tunnelrelay/pkg/identity"
	"github.com/freitascorp/tunnelrelay/pkg/observability"
	"github.com/freitascorp/tunnelrelay/pkg/routing"
)

// Config tunes the control-channel server's timing and limits.
type Config struct {
	MaxFrameBytes    int
	RegisterTimeout  time.Duration // default 10s
	WriteQueueSize   int           // default 256
	DrainWindow      time.Duration // default 2s
	HeartbeatTimeout time.Duration // default 45s
}

// DefaultConfig returns the spec's default timing.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:    frame.DefaultMaxFrameBytes,
		RegisterTimeout:  10 * time.Second,
		WriteQueueSize:   DefaultWriteQueueSize,
		DrainWindow:      2 * time.Second,
		HeartbeatTimeout: 45 * time.Second,
	}
}

// Server accepts and manages client control-channel connections.
type Server struct {
	table   *routing.Table
	metrics *observability.RelayMetrics
	logger  *slog.Logger
	config  Config

	relayRunID string
	accepting  atomic.Bool
}

// NewServer creates a control-channel server bound to table.
func NewServer(table *routing.Table, metrics *observability.RelayMetrics, logger *slog.Logger, relayRunID string, cfg Config) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = frame.DefaultMaxFrameBytes
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 10 * time.Second
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = DefaultWriteQueueSize
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = 2 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	s := &Server{table: table, metrics: metrics, logger: logger, relayRunID: relayRunID, config: cfg}
	s.accepting.Store(true)
	return s
}

// Serve accepts connections from ln until ctx is cancelled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.accepting.Store(false)
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.accepting.Load() {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control: connection handler panicked", "panic", r, "remote_addr", nc.RemoteAddr())
		}
	}()

	remoteAddr := nc.RemoteAddr().String()
	nc.SetReadDeadline(time.Now().Add(s.config.RegisterTimeout))

	reader := frame.NewReader(nc, s.config.MaxFrameBytes)
	first, err := reader.ReadFrame()
	if err != nil {
		s.logger.Warn("control: register read failed", "remote_addr", remoteAddr, "err", err)
		if s.metrics != nil {
			s.metrics.FrameErrors.Inc()
		}
		nc.Close()
		return
	}
	if first.Kind != frame.KindRegister {
		s.logger.Warn("control: expected register, got other kind", "remote_addr", remoteAddr, "kind", first.Kind)
		nc.Close()
		return
	}
	if err := identity.ValidateToken(first.Token); err != nil {
		s.writeRejection(nc, "INVALID_TOKEN", err.Error())
		nc.Close()
		return
	}

	nc.SetReadDeadline(time.Time{})

	c := newConn(nc, s.config.MaxFrameBytes, s.config.WriteQueueSize, func() {
		if s.metrics != nil {
			s.metrics.WriteQueueDrops.Inc()
		}
	})
	go c.runWriter()

	reg := routing.NewRegistration(first.Token, first.TargetPort, remoteAddr, c, c)
	displaced := s.table.Register(reg)
	if displaced != nil {
		if s.metrics != nil {
			s.metrics.ControlDisplaced.Inc()
		}
		go s.drainAndClose(displaced)
	}

	if err := c.w.WriteFrame(frame.Frame{Kind: frame.KindRegistered, OK: true}); err != nil {
		s.table.Unregister(reg)
		c.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.ControlRegistered.Inc()
		s.metrics.ControlConnections.Inc()
		defer s.metrics.ControlConnections.Dec()
	}
	s.logger.Info("control: registered", "token", first.Token, "remote_addr", remoteAddr, "relay_run_id", s.relayRunID)

	s.readLoop(ctx, c, reg, reader)

	s.table.Unregister(reg)
	reg.Pending.FailAll()
	c.Close()
	if s.metrics != nil {
		s.metrics.ControlDisconnects.Inc()
	}
	s.logger.Info("control: disconnected", "token", first.Token, "remote_addr", remoteAddr)
}

func (s *Server) writeRejection(nc net.Conn, code, message string) {
	w := frame.NewWriter(nc, s.config.MaxFrameBytes)
	w.WriteFrame(frame.Frame{Kind: frame.KindRegistered, OK: false, Code: code, Message: message})
}

// readLoop demultiplexes response/error/ping/pong frames for one
// registration until the connection fails, the heartbeat deadline
// passes, or ctx is cancelled.
func (s *Server) readLoop(ctx context.Context, c *conn, reg *routing.Registration, reader *frame.Reader) {
	frames := make(chan frame.Frame)
	readErr := make(chan error, 1)

	go func() {
		for {
			f, err := reader.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	heartbeat := time.NewTimer(s.config.HeartbeatTimeout)
	defer heartbeat.Stop()

	touch := func() {
		if !heartbeat.Stop() {
			select {
			case <-heartbeat.C:
			default:
			}
		}
		heartbeat.Reset(s.config.HeartbeatTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			if s.metrics != nil {
				s.metrics.HeartbeatTimeouts.Inc()
			}
			s.logger.Warn("control: heartbeat timeout", "token", reg.Token)
			return
		case err := <-readErr:
			if err != nil && s.metrics != nil {
				s.metrics.FrameErrors.Inc()
			}
			return
		case f := <-frames:
			touch()
			s.handleFrame(reg, c, f)
		}
	}
}

func (s *Server) handleFrame(reg *routing.Registration, c *conn, f frame.Frame) {
	switch f.Kind {
	case frame.KindResponse, frame.KindError:
		if !reg.Pending.Complete(f.ID, f) {
			s.logger.Debug("control: dropped duplicate or unknown response", "token", reg.Token, "id", f.ID)
		}
	case frame.KindPing:
		c.Send(frame.Frame{Kind: frame.KindPong, TS: f.TS})
	case frame.KindPong:
		// latency tracking is a client-forwarder concern; the relay
		// only needs pong as a liveness signal, already handled by touch().
	default:
		s.logger.Warn("control: unknown frame kind from client", "token", reg.Token, "kind", f.Kind)
	}
}

func (s *Server) drainAndClose(displaced *routing.Registration) {
	time.Sleep(s.config.DrainWindow)
	displaced.Pending.FailAll()
	routing.CloseDisplaced(displaced)
}
