package handler

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"oblivion/internal/config"
	"oblivion/internal/inspect"
	"oblivion/internal/logger"
	"oblivion/internal/metrics"
	"oblivion/internal/ratelimit"
	"oblivion/internal/signature"
)

func testHandler(t *testing.T, upstreamAddr string) (*Handler, *metrics.Metrics) {
	t.Helper()
	cfg := &config.Config{
		UpstreamAddress:            upstreamAddr,
		MaxHeaderBytes:             8 * 1024,
		MaxBodyBytes:               1024 * 1024,
		HeaderReadTimeoutSecs:      5,
		FullRequestTimeoutSecs:     5,
		UpstreamConnectTimeoutSecs: 2,
	}
	limiter := ratelimit.New(ratelimit.Config{Capacity: 100, RatePerSecond: 100, Shards: 4, IdleTTL: time.Minute})
	engine := inspect.New(signature.Default(), 1024)
	m := metrics.New()
	log := logger.New("HANDLER", "error")
	return New(cfg, limiter, engine, log, m), m
}

// startEchoUpstream starts a tiny upstream that replies with a fixed
// HTTP response to whatever it receives, closing after one request.
func startEchoUpstream(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		io.WriteString(conn, response)
	}()
	return ln.Addr().String()
}

// startCapturingUpstream starts a tiny upstream that reads one request's
// headers and Content-Length-framed body, hands the body to bodyCh, then
// replies with a fixed response.
func startCapturingUpstream(t *testing.T, response string, bodyCh chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		br := bufio.NewReader(conn)
		contentLength := 0
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
			const prefix = "content-length:"
			if strings.HasPrefix(strings.ToLower(line), prefix) {
				n, _ := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
				contentLength = n
			}
		}
		body := make([]byte, contentLength)
		io.ReadFull(br, body)
		bodyCh <- string(body)
		io.WriteString(conn, response)
	}()
	return ln.Addr().String()
}

func dialPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-serverCh
	return client, server
}

func TestServe_ForwardsCleanRequest(t *testing.T) {
	upstream := startEchoUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	h, m := testHandler(t, upstream)

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(server)
		close(done)
	}()

	io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	buf := make([]byte, 4096)
	n, _ := client.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "200 OK") {
		t.Fatalf("expected upstream response relayed, got %q", resp)
	}
	<-done

	if m.RequestsForwarded.Load() != 1 {
		t.Errorf("expected 1 forwarded request, got %d", m.RequestsForwarded.Load())
	}
}

func TestServe_ForwardsPOSTBodyInFull(t *testing.T) {
	bodyCh := make(chan string, 1)
	upstream := startCapturingUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", bodyCh)
	h, m := testHandler(t, upstream)

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(server)
		close(done)
	}()

	const payload = "name=alice&comment=hello+there"
	req := "POST /submit HTTP/1.1\r\nHost: x\r\nConnection: close\r\n" +
		"Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n" + payload
	io.WriteString(client, req)

	buf := make([]byte, 4096)
	n, _ := client.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "200 OK") {
		t.Fatalf("expected upstream response relayed, got %q", resp)
	}
	<-done

	select {
	case got := <-bodyCh:
		if got != payload {
			t.Fatalf("expected upstream to receive full body %q, got %q", payload, got)
		}
	case <-time.After(time.Second):
		t.Fatal("upstream never received a body")
	}

	if m.RequestsForwarded.Load() != 1 {
		t.Errorf("expected 1 forwarded request, got %d", m.RequestsForwarded.Load())
	}
}

func TestServe_BlocksSQLiRequest(t *testing.T) {
	upstream := startEchoUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	h, m := testHandler(t, upstream)

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(server)
		close(done)
	}()

	io.WriteString(client, "GET /x?q=%27%20OR%20%271%27=%271 HTTP/1.1\r\nHost: x\r\n\r\n")

	buf := make([]byte, 4096)
	n, _ := client.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "403") {
		t.Fatalf("expected 403 block, got %q", resp)
	}
	<-done

	if m.RequestsBlockedSQLi.Load() != 1 {
		t.Errorf("expected 1 blocked SQLi request, got %d", m.RequestsBlockedSQLi.Load())
	}
}

func TestServe_RateLimitsExhaustedClient(t *testing.T) {
	upstream := startEchoUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	h, m := testHandler(t, upstream)
	h.limiter = ratelimit.New(ratelimit.Config{Capacity: 0, RatePerSecond: 0, Shards: 1, IdleTTL: time.Minute})

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(server)
		close(done)
	}()

	io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	buf := make([]byte, 4096)
	n, _ := client.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "429") {
		t.Fatalf("expected 429, got %q", resp)
	}
	<-done

	if m.RequestsRateLimited.Load() != 1 {
		t.Errorf("expected 1 rate-limited request, got %d", m.RequestsRateLimited.Load())
	}
}

func TestServe_MalformedRequestReturns400(t *testing.T) {
	h, m := testHandler(t, "127.0.0.1:1")

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(server)
		close(done)
	}()

	io.WriteString(client, "GET /\r\n\r\n")

	buf := make([]byte, 4096)
	n, _ := client.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "400") {
		t.Fatalf("expected 400, got %q", resp)
	}
	<-done

	if m.ParseErrorsMalformed.Load() != 1 {
		t.Errorf("expected 1 malformed parse error, got %d", m.ParseErrorsMalformed.Load())
	}
}

func TestServe_UpstreamUnreachableReturns502(t *testing.T) {
	h, m := testHandler(t, "127.0.0.1:1")

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(server)
		close(done)
	}()

	io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	buf := make([]byte, 4096)
	n, _ := client.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "502") {
		t.Fatalf("expected 502, got %q", resp)
	}
	<-done

	if m.UpstreamErrors.Load() != 1 {
		t.Errorf("expected 1 upstream error, got %d", m.UpstreamErrors.Load())
	}
}
