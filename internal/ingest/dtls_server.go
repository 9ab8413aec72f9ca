package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"aegis-core/internal/config"
)

var (
	ErrDTLSCertRequired       = errors.New("dtls requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual tls requires ca certificate")
)

// DTLSServerMetrics holds counters for the datagram listener.
type DTLSServerMetrics struct {
	Connections     uint64
	HandshakeErrors uint64
	Datagrams       uint64
	Accepted        uint64
	Invalid         uint64
	Dropped         uint64
	Insecure        bool
}

type datagram struct {
	data   []byte
	remote string
}

// DTLSServer receives events over DTLS. With AllowInsecure and no
// certificate it listens on plain UDP instead.
type DTLSServer struct {
	cfg    config.DTLSConfig
	submit Submitter
	logger *slog.Logger

	listener net.Listener
	udpConn  *net.UDPConn
	messages chan datagram

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	receivers sync.WaitGroup
	workers   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	closed    atomic.Bool
	insecure  atomic.Bool

	connections atomic.Uint64
	handshakes  atomic.Uint64
	datagrams   atomic.Uint64
	accepted    atomic.Uint64
	invalid     atomic.Uint64
	dropped     atomic.Uint64
}

// NewDTLSServer validates cfg and creates a listener that ingests through
// submit.
func NewDTLSServer(cfg config.DTLSConfig, submit Submitter, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	return &DTLSServer{
		cfg:      cfg,
		submit:   submit,
		logger:   logger,
		messages: make(chan datagram, cfg.Workers*100),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start opens the listener and the worker pool.
func (s *DTLSServer) Start(ctx context.Context) error {
	var err error
	if s.cfg.AllowInsecure && (s.cfg.CertFile == "" || s.cfg.KeyFile == "") {
		err = s.startInsecure()
	} else {
		err = s.startSecure(ctx)
	}
	if err != nil {
		return err
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.closeAll()
		case <-s.done:
		}
	}()
	return nil
}

func (s *DTLSServer) startSecure(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load dtls certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		},
	}

	if s.cfg.RequireClientCert {
		caData, err := os.ReadFile(s.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("load ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("parse ca certificate: no PEM certificates in %s", s.cfg.CAFile)
		}
		dtlsConfig.ClientCAs = pool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("listen dtls: %w", err)
	}
	s.listener = listener

	s.logger.Info("dtls event listener started",
		"address", listener.Addr().String(),
		"mutual_tls", s.cfg.RequireClientCert,
	)

	s.receivers.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *DTLSServer) startInsecure() error {
	s.logger.Warn("starting udp event listener without encryption",
		"address", s.cfg.Address,
		"recommendation", "configure cert_file and key_file for production",
	)
	s.insecure.Store(true)

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	s.udpConn = conn

	s.logger.Info("udp event listener started", "address", conn.LocalAddr().String())

	s.receivers.Add(1)
	go s.udpReceiver()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *DTLSServer) Addr() net.Addr {
	switch {
	case s.listener != nil:
		return s.listener.Addr()
	case s.udpConn != nil:
		return s.udpConn.LocalAddr()
	}
	return nil
}

func (s *DTLSServer) acceptLoop() {
	defer s.receivers.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.handshakes.Add(1)
			s.logger.Debug("dtls handshake failed", "error", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.connections.Add(1)

		s.receivers.Add(1)
		go s.readConn(conn)
	}
}

func (s *DTLSServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *DTLSServer) untrack(conn net.Conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}

func (s *DTLSServer) readConn(conn net.Conn) {
	defer s.receivers.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := remoteIP(conn.RemoteAddr())
	s.logger.Debug("dtls connection opened", "remote", remote)

	buf := make([]byte, s.cfg.MaxMessageSize)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("dtls connection idle timeout", "remote", remote)
			}
			return
		}
		s.enqueue(buf[:n], remote)
	}
}

func (s *DTLSServer) udpReceiver() {
	defer s.receivers.Done()

	buf := make([]byte, s.cfg.MaxMessageSize)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("udp read error", "error", err)
			continue
		}
		s.enqueue(buf[:n], addr.IP.String())
	}
}

// enqueue copies a datagram onto the worker channel, dropping it when the
// workers are saturated.
func (s *DTLSServer) enqueue(b []byte, remote string) {
	s.datagrams.Add(1)
	data := make([]byte, len(b))
	copy(data, b)

	select {
	case s.messages <- datagram{data: data, remote: remote}:
	default:
		s.dropped.Add(1)
		s.logger.Debug("dtls worker queue full, dropping datagram", "remote", remote)
	}
}

func (s *DTLSServer) worker(ctx context.Context) {
	defer s.workers.Done()

	for msg := range s.messages {
		res := submitPayload(ctx, s.submit, msg.data, msg.remote, "dtls")
		s.accepted.Add(uint64(res.Accepted))
		s.dropped.Add(uint64(res.Unavailable))
		s.invalid.Add(uint64(res.Rejected - res.Unavailable))
	}
}

func (s *DTLSServer) closeAll() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.conns = nil
		s.mu.Unlock()
	})
}

// Stop closes the listener, drains the worker queue and waits for the
// workers to finish.
func (s *DTLSServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.closeAll()
		s.receivers.Wait()
		close(s.messages)
		s.workers.Wait()

		m := s.Metrics()
		s.logger.Info("dtls event listener stopped",
			"connections", m.Connections,
			"handshake_errors", m.HandshakeErrors,
			"datagrams", m.Datagrams,
			"accepted", m.Accepted,
			"invalid", m.Invalid,
			"dropped", m.Dropped,
		)
	})
}

// Metrics returns the current listener counters.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:     s.connections.Load(),
		HandshakeErrors: s.handshakes.Load(),
		Datagrams:       s.datagrams.Load(),
		Accepted:        s.accepted.Load(),
		Invalid:         s.invalid.Load(),
		Dropped:         s.dropped.Load(),
		Insecure:        s.insecure.Load(),
	}
}

// IsSecure reports whether the listener is running with DTLS encryption.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil && !s.insecure.Load()
}
