// Package handler implements the per-connection state machine that runs
// once the TLS handshake is complete: request parsing, rate limiting,
// inspection, and upstream forwarding, with a fixed error-to-status-code
// mapping at every state. The handshake itself is done by the server
// package before a connection is handed to Serve.
package handler

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"oblivion/internal/config"
	"oblivion/internal/httpparse"
	"oblivion/internal/inspect"
	"oblivion/internal/logger"
	"oblivion/internal/metrics"
	"oblivion/internal/ratelimit"
	"oblivion/internal/signature"
)

// Handler wires together the components needed to service one accepted
// TLS connection: rate limiter, inspection engine, logger, metrics, and
// the upstream address to forward to.
type Handler struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	engine  *inspect.Engine
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New builds a Handler from its collaborators.
func New(cfg *config.Config, limiter *ratelimit.Limiter, engine *inspect.Engine, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{cfg: cfg, limiter: limiter, engine: engine, log: log, metrics: m}
}

// Serve runs the connection state machine over conn until the peer
// closes, a non-persistent response is sent, or an unrecoverable error
// occurs. conn is always closed before Serve returns.
func (h *Handler) Serve(conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	h.metrics.ConnectionsTotal.Add(1)
	h.log.Debug("connection_open", peer)

	limits := httpparse.Limits{
		MaxHeaderBytes: h.cfg.MaxHeaderBytes,
		MaxBodyBytes:   h.cfg.MaxBodyBytes,
		HeaderTimeout:  h.cfg.HeaderReadTimeout(),
	}

	for {
		keepAlive, err := h.handleOneRequest(conn, peer, limits)
		if err != nil {
			h.log.Debugf("connection_close", "%s: %v", peer, err)
			return
		}
		if !keepAlive {
			h.log.Debug("connection_close", peer)
			return
		}
	}
}

// handleOneRequest runs ReadHeaders → RateLimit → Inspect → Forward →
// Relay for a single request on conn. It returns whether the connection
// should continue to the next request (Done → ReadHeaders in the state
// table), or an error explaining why the connection ended.
func (h *Handler) handleOneRequest(conn net.Conn, peer string, limits httpparse.Limits) (keepAlive bool, err error) {
	requestDeadline := time.Now().Add(h.cfg.FullRequestTimeout())

	start := time.Now()
	req, perr := httpparse.Parse(conn, limits)
	h.metrics.RecordParseLatency(time.Since(start))
	if perr != nil {
		h.handleParseError(conn, perr)
		return false, perr
	}

	// Parse bounds only the header phase with its own deadline; rebind
	// the connection to the overall per-request budget for the
	// remaining forward/relay work.
	_ = conn.SetDeadline(requestDeadline)

	// Buckets are per client IP, so the port is dropped from the key.
	clientIP, _, splitErr := net.SplitHostPort(peer)
	if splitErr != nil {
		clientIP = peer
	}
	if !h.limiter.Allow(clientIP, time.Now()) {
		h.metrics.RequestsRateLimited.Add(1)
		h.log.Warnf("rate_limited", "%s %s %s", peer, req.Method, req.Target)
		writeErrorResponse(conn, 429, "Too Many Requests")
		return false, nil
	}

	verdict, ierr := h.engine.Inspect(req)
	if ierr != nil {
		h.log.Errorf("inspect_error", "%s: %v", peer, ierr)
		writeErrorResponse(conn, 400, "Bad Request")
		return false, ierr
	}
	if verdict.Blocked {
		h.bumpBlocked(verdict.Category)
		h.log.Warnf("blocked", "%s %s %s category=%s", peer, req.Method, req.Target, verdict.Category)
		writeErrorResponse(conn, 403, fmt.Sprintf("Forbidden: %s", verdict.Category))
		return false, nil
	}

	if ferr := h.forward(conn, req); ferr != nil {
		h.metrics.UpstreamErrors.Add(1)
		h.log.Errorf("upstream_error", "%s: %v", peer, ferr)
		if errors.Is(ferr, errBodyTooLarge) {
			writeErrorResponse(conn, 413, "Payload Too Large")
		} else {
			writeErrorResponse(conn, 502, "Bad Gateway")
		}
		return false, ferr
	}

	h.metrics.RequestsForwarded.Add(1)
	h.log.Infof("forwarded", "%s %s %s", peer, req.Method, req.Target)
	return req.KeepAlive(), nil
}

// handleParseError maps a classified parse failure to its client-visible
// status code, logs at the level appropriate to the kind, and
// increments the matching counter.
func (h *Handler) handleParseError(conn net.Conn, perr error) {
	var pe *httpparse.Error
	if !errors.As(perr, &pe) {
		writeErrorResponse(conn, 400, "Bad Request")
		return
	}

	switch pe.Kind {
	case httpparse.KindIncomplete:
		// Peer closed before sending a complete request; nothing to
		// reply to.
		return
	case httpparse.KindMalformed:
		h.metrics.ParseErrorsMalformed.Add(1)
		h.log.Infof("parse_malformed", "%v", pe)
		writeErrorResponse(conn, 400, "Bad Request")
	case httpparse.KindSmuggling:
		h.metrics.ParseErrorsSmuggling.Add(1)
		h.log.Infof("parse_smuggling", "%v", pe)
		writeErrorResponse(conn, 400, "Bad Request")
	case httpparse.KindTooLarge:
		h.metrics.ParseErrorsTooLarge.Add(1)
		h.log.Infof("parse_too_large", "%v", pe)
		writeErrorResponse(conn, 431, "Request Header Fields Too Large")
	case httpparse.KindTimeout:
		h.metrics.ParseErrorsTimeout.Add(1)
		h.log.Infof("parse_timeout", "%v", pe)
		writeErrorResponse(conn, 408, "Request Timeout")
	}
}

func (h *Handler) bumpBlocked(category signature.Category) {
	switch category {
	case signature.SQLi:
		h.metrics.RequestsBlockedSQLi.Add(1)
	case signature.XSS:
		h.metrics.RequestsBlockedXSS.Add(1)
	case signature.PathTraversal:
		h.metrics.RequestsBlockedPathTraversal.Add(1)
	}
}

var errBodyTooLarge = httpparse.ErrBodyTooLarge

// forward opens a fresh TCP connection to the upstream, writes the
// request line, the headers as parsed (names lowercased, values
// trimmed, order and framing headers unchanged), and the body bytes,
// and relays the upstream's response back to conn byte for byte
// without inspection.
func (h *Handler) forward(conn net.Conn, req *httpparse.Request) error {
	upstream, err := net.DialTimeout("tcp", h.cfg.UpstreamAddress, h.cfg.UpstreamConnectTimeout())
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer upstream.Close()

	start := time.Now()

	if err := writeRequestLine(upstream, req); err != nil {
		return fmt.Errorf("write request line: %w", err)
	}
	if err := writeHeaders(upstream, req); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	if req.Body != nil {
		if _, err := io.Copy(upstream, req.Body); err != nil {
			if errors.Is(err, httpparse.ErrBodyTooLarge) {
				return errBodyTooLarge
			}
			return fmt.Errorf("relay body: %w", err)
		}
	}

	if _, err := io.Copy(conn, upstream); err != nil {
		return fmt.Errorf("relay response: %w", err)
	}

	h.metrics.RecordUpstreamLatency(time.Since(start))
	return nil
}

func writeRequestLine(w io.Writer, req *httpparse.Request) error {
	_, err := fmt.Fprintf(w, "%s %s HTTP/%d.%d\r\n", req.Method, req.Target, req.Version.Major, req.Version.Minor)
	return err
}

func writeHeaders(w io.Writer, req *httpparse.Request) error {
	for _, hd := range req.Headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", hd.Name, hd.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func writeErrorResponse(conn net.Conn, code int, reason string) {
	body := reason + "\n"
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		code, reason, len(body), body)
}
