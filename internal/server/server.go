// Package server bootstraps the TLS-terminating accept loop: it loads
// the certificate/key pair, builds the tls.Config, and runs one handler
// goroutine per accepted connection.
package server

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"oblivion/internal/config"
	"oblivion/internal/handler"
	"oblivion/internal/logger"
	"oblivion/internal/metrics"
)

// Server owns the TLS listener and dispatches accepted connections to a
// handler.Handler.
type Server struct {
	cfg     *config.Config
	h       *handler.Handler
	log     *logger.Logger
	metrics *metrics.Metrics
	ln      net.Listener
	closing bool
}

// New loads cfg.CertFile/cfg.KeyFile and builds a Server ready to Serve.
// TLS 1.3 is required and HTTP/2 is never negotiated: the client-facing
// surface speaks HTTP/1.1 only, inspected by the hand-rolled parser, so
// there is no ALPN entry for h2.
func New(cfg *config.Config, h *handler.Handler, log *logger.Logger, m *metrics.Metrics) (*Server, error) {
	if err := EnsureCert(cfg.CertFile, cfg.KeyFile); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"http/1.1"},
	}

	ln, err := tls.Listen("tcp", cfg.ListenAddress, tlsCfg)
	if err != nil {
		return nil, err
	}

	return &Server{cfg: cfg, h: h, log: log, metrics: m, ln: ln}, nil
}

// Serve runs the accept loop until Close is called. It always returns a
// non-nil error; a clean shutdown returns the net.ErrClosed-wrapping
// error from the listener.
func (s *Server) Serve() error {
	s.log.Infof("listen", "TLS accept loop on %s", s.cfg.ListenAddress)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing {
				return err
			}
			s.log.Errorf("accept_error", "%v", err)
			continue
		}
		go s.serveConn(conn)
	}
}

// serveConn performs the TLS handshake under its own deadline, then
// hands the connection to the request handler. A handshake failure is
// logged and the connection closed without ever reaching the handler.
func (s *Server) serveConn(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}

	if err := tlsConn.SetDeadline(time.Now().Add(s.cfg.TLSHandshakeTimeout())); err != nil {
		tlsConn.Close()
		return
	}
	start := time.Now()
	if err := tlsConn.Handshake(); err != nil {
		s.log.Errorf("tls_error", "%s: %v", tlsConn.RemoteAddr(), err)
		tlsConn.Close()
		return
	}
	s.metrics.RecordHandshakeLatency(time.Since(start))
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return
	}

	s.h.Serve(tlsConn)
}

// Close stops the accept loop and releases the listening socket.
func (s *Server) Close() error {
	s.closing = true
	return s.ln.Close()
}

// IsClosed reports whether err is the expected error returned by Serve
// after a deliberate Close.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
