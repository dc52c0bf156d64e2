// Package transport hosts the TCP and WebSocket accept loops that turn a
// byte stream into USSP requests against a *manager.Manager, grounded on
// internal/network.NetworkManager's net.Listen/acceptConnections/
// bufio.Scanner read loop in the teacher repo (ctx.Done()-checked accept
// loop, one goroutine per accepted connection), generalized from the
// teacher's fixed "KNIRV:<peerID>" handshake protocol to the USSP request
// line grammar and from single-shot message dispatch to a continuous
// request/response loop with a serialized outbound writer.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ussldb/ussl/internal/manager"
)

const (
	// DefaultIdleTimeout is the read-idle disconnect threshold (spec §5).
	DefaultIdleTimeout = 120 * time.Second
	// DefaultTCPAddr and DefaultWSAddr are the spec §6 default ports.
	DefaultTCPAddr = ":6380"
	DefaultWSAddr  = ":6381"
	// maxCommandLine is the spec §5 resource cap on a single request line.
	maxCommandLine = 64 * 1024
)

// TLSConfig names a certificate/key pair; both fields empty disables TLS,
// and a pair that fails to load (including only one field set) makes
// ListenAndServe return an error.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// RateLimit configures the per-connection token bucket (spec §7
// RATE_LIMITED). Zero RequestsPerSecond disables rate limiting.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Config bundles a Server's listeners and limits. TCPAddr/WSAddr empty
// disables that transport.
type Config struct {
	TCPAddr     string
	WSAddr      string
	TLS         TLSConfig
	IdleTimeout time.Duration
	RateLimit   RateLimit
	Logger      *zap.Logger
}

// Server owns the TCP listener, the WebSocket HTTP server, and dispatches
// every accepted connection's request stream to a shared *manager.Manager.
type Server struct {
	cfg Config
	mgr *manager.Manager
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tcpListener net.Listener
	httpServer  *http.Server
	upgrader    websocket.Upgrader

	wg sync.WaitGroup
}

// New builds a Server bound to mgr. Call ListenAndServe to start accepting
// connections.
func New(cfg Config, mgr *manager.Manager) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.TLS.CertFile == "" && s.cfg.TLS.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ListenAndServe starts the configured listeners. The TCP listener is
// bound before it returns; the WebSocket server binds inside its own
// background goroutine, where a bind failure is logged rather than
// returned. The accept loops run in background goroutines until Shutdown
// is called.
func (s *Server) ListenAndServe() error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return err
	}

	if s.cfg.TCPAddr != "" {
		var ln net.Listener
		if tlsCfg != nil {
			ln, err = tls.Listen("tcp", s.cfg.TCPAddr, tlsCfg)
		} else {
			ln, err = net.Listen("tcp", s.cfg.TCPAddr)
		}
		if err != nil {
			return fmt.Errorf("transport: tcp listen on %s: %w", s.cfg.TCPAddr, err)
		}
		s.tcpListener = ln
		s.log.Info("tcp listener started", zap.String("addr", ln.Addr().String()))
		s.wg.Add(1)
		go s.acceptTCP()
	}

	if s.cfg.WSAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", s.serveWS)
		s.httpServer = &http.Server{Addr: s.cfg.WSAddr, Handler: mux, TLSConfig: tlsCfg}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var serveErr error
			if tlsCfg != nil {
				serveErr = s.httpServer.ListenAndServeTLS("", "")
			} else {
				serveErr = s.httpServer.ListenAndServe()
			}
			if serveErr != nil && serveErr != http.ErrServerClosed {
				s.log.Error("websocket server stopped", zap.Error(serveErr))
			}
		}()
		s.log.Info("websocket listener started", zap.String("addr", s.cfg.WSAddr))
	}

	return nil
}

// Shutdown stops accepting new connections and waits for the accept loops
// to exit. In-flight connections are closed; per spec §5, outstanding
// mutations already applied are not rolled back (apply is all-or-nothing
// per command, not per connection).
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptTCP() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("tcp accept error", zap.Error(err))
			continue
		}
		go s.handleTCPConn(conn)
	}
}

func (s *Server) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	client := uuid.NewString()
	lc := newTCPLineConn(conn)
	s.serveConn(client, lc)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	client := uuid.NewString()
	lc := newWSLineConn(conn)
	s.serveConn(client, lc)
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}
	burst := s.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit.RequestsPerSecond), burst)
}
