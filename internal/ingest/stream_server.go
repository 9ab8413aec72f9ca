package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"aegis-core/internal/config"
)

// Submitter ingests raw events. *Handler implements it.
type Submitter interface {
	Ingest(ctx context.Context, raws []json.RawMessage, remoteAddr, source string) Result
}

// submitPayload ingests one line or datagram. A payload that is not a JSON
// object or array is still submitted so it is rejected and quarantined.
func submitPayload(ctx context.Context, s Submitter, payload []byte, remote, source string) Result {
	raws, err := splitBatch(payload)
	if err != nil {
		raws = []json.RawMessage{bytes.TrimSpace(payload)}
	}
	if len(raws) == 0 {
		return Result{}
	}
	return s.Ingest(ctx, raws, remote, source)
}

// StreamServerMetrics holds counters for the TCP listener.
type StreamServerMetrics struct {
	Connections uint64
	Refused     uint64
	Lines       uint64
	Accepted    uint64
	Invalid     uint64
	Dropped     uint64
}

// StreamServer receives newline-delimited JSON events over TCP, optionally
// wrapped in TLS. Each line holds one event or a JSON array of events.
type StreamServer struct {
	cfg    config.StreamConfig
	submit Submitter
	logger *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}

	connCount atomic.Int32
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	connections atomic.Uint64
	refused     atomic.Uint64
	lines       atomic.Uint64
	accepted    atomic.Uint64
	invalid     atomic.Uint64
	dropped     atomic.Uint64
}

// NewStreamServer creates a TCP listener that ingests through submit.
func NewStreamServer(cfg config.StreamConfig, submit Submitter, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 65535
	}
	return &StreamServer{
		cfg:    cfg,
		submit: submit,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
}

// Start opens the listener and begins accepting connections. Cancelling
// ctx closes the listener and every open connection.
func (s *StreamServer) Start(ctx context.Context) error {
	var (
		listener net.Listener
		err      error
	)
	if s.cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load tls certificate: %w", err)
		}
		listener, err = tls.Listen("tcp", s.cfg.Address, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
	} else {
		listener, err = net.Listen("tcp", s.cfg.Address)
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
	}
	s.listener = listener

	s.logger.Info("tcp event listener started",
		"address", listener.Addr().String(),
		"tls", s.cfg.TLSEnabled,
	)

	go func() {
		select {
		case <-ctx.Done():
			s.closeAll()
		case <-s.done:
		}
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *StreamServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *StreamServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Debug("tcp accept error", "error", err)
			continue
		}

		if int(s.connCount.Load()) >= s.cfg.MaxConnections {
			s.refused.Add(1)
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.connCount.Add(1)
		s.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *StreamServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *StreamServer) untrack(conn net.Conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}

func (s *StreamServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.connCount.Add(-1)
	defer s.untrack(conn)
	defer conn.Close()

	remote := remoteIP(conn.RemoteAddr())
	s.logger.Debug("tcp connection opened", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.cfg.MaxLineLength)), s.cfg.MaxLineLength)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				var netErr net.Error
				switch {
				case errors.As(err, &netErr) && netErr.Timeout():
					s.logger.Debug("tcp connection idle timeout", "remote", remote)
				case errors.Is(err, bufio.ErrTooLong):
					s.logger.Warn("tcp line exceeds limit, closing connection",
						"remote", remote,
						"max_line_length", s.cfg.MaxLineLength,
					)
				case !errors.Is(err, net.ErrClosed):
					s.logger.Debug("tcp read error", "remote", remote, "error", err)
				}
			}
			return
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.lines.Add(1)
		s.record(submitPayload(ctx, s.submit, line, remote, "tcp"))
	}
}

func (s *StreamServer) record(res Result) {
	s.accepted.Add(uint64(res.Accepted))
	s.dropped.Add(uint64(res.Unavailable))
	s.invalid.Add(uint64(res.Rejected - res.Unavailable))
}

// closeAll closes the listener and every open connection so blocked reads
// return.
func (s *StreamServer) closeAll() {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.conns = nil
		s.mu.Unlock()
	})
}

// Stop closes the listener and waits for connection handlers to finish.
func (s *StreamServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.closeAll()
		s.wg.Wait()

		m := s.Metrics()
		s.logger.Info("tcp event listener stopped",
			"connections", m.Connections,
			"lines", m.Lines,
			"accepted", m.Accepted,
			"invalid", m.Invalid,
			"dropped", m.Dropped,
		)
	})
}

// Metrics returns the current listener counters.
func (s *StreamServer) Metrics() StreamServerMetrics {
	return StreamServerMetrics{
		Connections: s.connections.Load(),
		Refused:     s.refused.Load(),
		Lines:       s.lines.Load(),
		Accepted:    s.accepted.Load(),
		Invalid:     s.invalid.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// ActiveConnections returns the number of open connections.
func (s *StreamServer) ActiveConnections() int {
	return int(s.connCount.Load())
}

func remoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
