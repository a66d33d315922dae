package stratum

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/m45pool/stratumpool/internal/log"
)

// ServerConfig bundles a PoolServer's listener and per-session settings.
type ServerConfig struct {
	ListenAddr     string
	TLSAddr        string
	TLSCertPath    string
	TLSKeyPath     string
	Session        SessionConfig
	DrainTimeout   time.Duration
	Logger         *log.Logger
	// TCPReadBufferBytes/TCPWriteBufferBytes tune the OS socket buffers on
	// accepted connections; 0 leaves the OS default in place.
	TCPReadBufferBytes  int
	TCPWriteBufferBytes int
}

// PoolServer accepts Stratum connections on a plain TCP listener and,
// optionally, a TLS listener, spawning one Session per connection: one
// accept goroutine per listener, TCP_NODELAY plus socket buffer tuning on
// every accepted conn, a WaitGroup tracking live sessions, and a bounded
// drain deadline on shutdown.
type PoolServer struct {
	cfg    ServerConfig
	logger *log.Logger

	ln    net.Listener
	tlsLn net.Listener

	wg sync.WaitGroup
}

// NewPoolServer constructs a PoolServer; call Run to start accepting.
func NewPoolServer(cfg ServerConfig) *PoolServer {
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &PoolServer{cfg: cfg, logger: cfg.Logger}
}

// Run listens and serves until ctx is cancelled, then drains active sessions
// for up to cfg.DrainTimeout before returning.
func (s *PoolServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	defer s.ln.Close()

	if s.cfg.TLSAddr != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		if err != nil {
			return err
		}
		tlsLn, err := tls.Listen("tcp", s.cfg.TLSAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return err
		}
		s.tlsLn = tlsLn
		defer s.tlsLn.Close()
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutdown requested; closing stratum listeners")
		s.ln.Close()
		if s.tlsLn != nil {
			s.tlsLn.Close()
		}
	}()

	if s.tlsLn != nil {
		go s.acceptLoop(ctx, "tls", s.tlsLn)
	}
	s.acceptLoop(ctx, "tcp", s.ln)

	s.logger.Info("draining active sessions", "timeout", s.cfg.DrainTimeout)
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("drain deadline exceeded; exiting with sessions still active")
	}
	return nil
}

func (s *PoolServer) acceptLoop(ctx context.Context, label string, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", "listener", label, "error", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		if s.cfg.Session.BanList != nil {
			host := hostOnly(remote)
			if allowed, remaining := s.cfg.Session.BanList.Allowed(host, time.Now()); !allowed {
				s.logger.Warn("rejecting banned remote", "remote", host, "remaining", remaining)
				_ = conn.Close()
				continue
			}
		}

		disableTCPNagle(conn)
		setTCPBuffers(conn, s.cfg.TCPReadBufferBytes, s.cfg.TCPWriteBufferBytes)

		sess := NewSession(conn, s.cfg.Session)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sess.Run(); err != nil {
				s.logger.Debug("session ended", "listener", label, "remote", remote, "error", err)
			}
		}()
	}
}

// disableTCPNagle enables TCP_NODELAY on conn if it (or something it wraps,
// e.g. a *tls.Conn) is backed by a *net.TCPConn.
func disableTCPNagle(conn net.Conn) {
	if tcp := findTCPConn(conn); tcp != nil {
		_ = tcp.SetNoDelay(true)
	}
}

// setTCPBuffers applies non-default OS socket buffer sizes when configured.
func setTCPBuffers(conn net.Conn, readBytes, writeBytes int) {
	if readBytes <= 0 && writeBytes <= 0 {
		return
	}
	tcp := findTCPConn(conn)
	if tcp == nil {
		return
	}
	if readBytes > 0 {
		_ = tcp.SetReadBuffer(readBytes)
	}
	if writeBytes > 0 {
		_ = tcp.SetWriteBuffer(writeBytes)
	}
}

// findTCPConn unwraps up to a few layers of net.Conn (e.g. tls.Conn) looking
// for the underlying *net.TCPConn, probing for a NetConn() accessor rather
// than assuming a concrete type.
func findTCPConn(conn net.Conn) *net.TCPConn {
	type netConnGetter interface {
		NetConn() net.Conn
	}
	for i := 0; i < 4 && conn != nil; i++ {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			return tcpConn
		}
		getter, ok := conn.(netConnGetter)
		if !ok {
			return nil
		}
		next := getter.NetConn()
		if next == nil || next == conn {
			return nil
		}
		conn = next
	}
	return nil
}
