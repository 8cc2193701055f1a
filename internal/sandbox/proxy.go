package sandbox

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"carapace/internal/logging"
	"carapace/internal/observability"
)

const (
	proxyReadTimeout = 30 * time.Second
	proxyDialTimeout = 30 * time.Second
	relayBufferSize  = 32 * 1024
)

// SessionAuthorizer decides whether a proxied request may proceed. The
// sandbox Manager is the production implementation.
type SessionAuthorizer interface {
	SessionByToken(token string) (string, bool)
	IsDomainAllowed(sessionID, domain string) bool
	RequestDomainApproval(ctx context.Context, sessionID, domain string) bool
}

// Proxy is the authorizing egress proxy sandbox containers are forced
// through. Every session carries a bearer token in its proxy URL; the
// token identifies the session whose allowlist governs the request.
type Proxy struct {
	auth    SessionAuthorizer
	log     logging.Logger
	metrics *observability.Metrics

	listener net.Listener
}

func NewProxy(auth SessionAuthorizer, metrics *observability.Metrics, log logging.Logger) *Proxy {
	return &Proxy{auth: auth, metrics: metrics, log: logging.OrNop(log)}
}

// Listen binds the proxy socket without serving yet.
func (p *Proxy) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	p.listener = listener
	p.log.Info("egress proxy listening on %s", listener.Addr())
	return nil
}

// Serve accepts proxy connections until ctx is cancelled. Listen must
// have succeeded first.
func (p *Proxy) Serve(ctx context.Context) error {
	listener := p.listener
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy accept: %w", err)
		}
		go p.handleConn(ctx, conn)
	}
}

// ListenAndServe binds and serves in one call.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	if err := p.Listen(addr); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// Addr is the bound listen address, once serving.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Proxy) count(outcome string) {
	if p.metrics != nil {
		p.metrics.ProxyRequests.WithLabelValues(outcome).Inc()
	}
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(proxyReadTimeout))

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	method, target, ok := parseRequestLine(requestLine)
	if !ok {
		p.respond(conn, http.StatusBadRequest, "Bad Request")
		p.count("bad_request")
		return
	}

	headers, err := readHeaders(reader)
	if err != nil {
		return
	}

	token := proxyToken(headers)
	sessionID, ok := p.auth.SessionByToken(token)
	if !ok {
		p.respond(conn, http.StatusForbidden, "Invalid proxy credentials")
		p.count("bad_token")
		return
	}

	if method == http.MethodConnect {
		p.handleConnect(ctx, conn, sessionID, target)
		return
	}
	p.handleHTTP(ctx, conn, reader, sessionID, method, target, headers)
}

// authorize checks the allowlist and falls back to interactive approval.
func (p *Proxy) authorize(ctx context.Context, sessionID, domain string) bool {
	if p.auth.IsDomainAllowed(sessionID, domain) {
		return true
	}
	p.log.Info("session %s requesting approval for domain %s", sessionID, domain)
	return p.auth.RequestDomainApproval(ctx, sessionID, domain)
}

func (p *Proxy) handleConnect(ctx context.Context, conn net.Conn, sessionID, target string) {
	host, port := splitHostPort(target, "443")
	if !p.authorize(ctx, sessionID, host) {
		p.respond(conn, http.StatusForbidden, "Domain blocked by proxy policy")
		p.count("denied")
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), proxyDialTimeout)
	if err != nil {
		p.respond(conn, http.StatusBadGateway, "Bad Gateway")
		p.count("dial_error")
		return
	}
	defer upstream.Close()

	_ = conn.SetReadDeadline(time.Time{})
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	p.count("allowed")
	relay(conn, upstream)
}

func (p *Proxy) handleHTTP(ctx context.Context, conn net.Conn, reader *bufio.Reader, sessionID, method, target string, headers http.Header) {
	// Proxied plain-HTTP requests carry an absolute URL.
	if !strings.HasPrefix(target, "http://") {
		p.respond(conn, http.StatusBadRequest, "Bad Request")
		p.count("bad_request")
		return
	}
	rest := strings.TrimPrefix(target, "http://")
	hostPort, path, found := strings.Cut(rest, "/")
	if found {
		path = "/" + path
	} else {
		path = "/"
	}
	host, port := splitHostPort(hostPort, "80")

	if !p.authorize(ctx, sessionID, host) {
		p.respond(conn, http.StatusForbidden, "Domain blocked by proxy policy")
		p.count("denied")
		return
	}

	var body []byte
	if lengthText := headers.Get("Content-Length"); lengthText != "" {
		length, err := strconv.Atoi(lengthText)
		if err != nil || length < 0 {
			p.respond(conn, http.StatusBadRequest, "Bad Request")
			p.count("bad_request")
			return
		}
		body = make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), proxyDialTimeout)
	if err != nil {
		p.respond(conn, http.StatusBadGateway, "Bad Gateway")
		p.count("dial_error")
		return
	}
	defer upstream.Close()

	var request strings.Builder
	fmt.Fprintf(&request, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&request, "Host: %s\r\n", hostPort)
	for name, values := range headers {
		if strings.HasPrefix(name, "Proxy-") || name == "Host" {
			continue
		}
		for _, value := range values {
			fmt.Fprintf(&request, "%s: %s\r\n", name, value)
		}
	}
	request.WriteString("Connection: close\r\n\r\n")

	if _, err := upstream.Write([]byte(request.String())); err != nil {
		return
	}
	if len(body) > 0 {
		if _, err := upstream.Write(body); err != nil {
			return
		}
	}
	p.count("allowed")

	_ = conn.SetReadDeadline(time.Time{})
	buf := make([]byte, relayBufferSize)
	_, _ = io.CopyBuffer(conn, upstream, buf)
}

func (p *Proxy) respond(conn net.Conn, status int, body string) {
	response := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	_, _ = conn.Write([]byte(response))
}

// relay pumps bytes both ways until either side closes.
func relay(a, b net.Conn) {
	var group errgroup.Group
	pipe := func(dst, src net.Conn) func() error {
		return func() error {
			buf := make([]byte, relayBufferSize)
			_, err := io.CopyBuffer(dst, src, buf)
			// Unblock the opposite direction.
			_ = dst.Close()
			_ = src.Close()
			return err
		}
	}
	group.Go(pipe(a, b))
	group.Go(pipe(b, a))
	_ = group.Wait()
}

func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func readHeaders(reader *bufio.Reader) (http.Header, error) {
	headers := make(http.Header)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers, nil
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// proxyToken extracts the session token from Proxy-Authorization. The
// sandbox env embeds it as the basic-auth username with an empty
// password.
func proxyToken(headers http.Header) string {
	value := headers.Get("Proxy-Authorization")
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return ""
	}
	token, _, _ := strings.Cut(string(decoded), ":")
	return token
}

func splitHostPort(target, defaultPort string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort
	}
	return host, port
}
